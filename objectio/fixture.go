package objectio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"streamreader/blockcache"
)

// BlockSpec describes one block to write as part of a synthetic test
// object: its logical offset range and the already-framed (see
// recordbatch.Encode) record bytes it should contain.
type BlockSpec struct {
	StartOffset, EndOffset int64
	RecordBytes            []byte
}

// WriteObject is a test/fixture helper (not part of the stream.ObjectReader
// contract): it compresses each block, concatenates them, and uploads both
// the data object and its companion index object, mirroring what a writer
// component upstream of this read-only read path would produce.
func WriteObject(ctx context.Context, client *s3.Client, bucket, objectID string, blocks []BlockSpec) error {
	var data []byte
	entries := make([]indexEntry, 0, len(blocks))

	for _, b := range blocks {
		compressed, err := blockcache.Compress(b.RecordBytes)
		if err != nil {
			return fmt.Errorf("objectio: compressing block start=%d: %w", b.StartOffset, err)
		}
		entries = append(entries, indexEntry{
			StartOffset: b.StartOffset,
			EndOffset:   b.EndOffset,
			ApproxSize:  len(b.RecordBytes),
			PhysOffset:  int64(len(data)),
			PhysLength:  int64(len(compressed)),
		})
		data = append(data, compressed...)
	}

	idxPayload, err := json.Marshal(entries)
	if err != nil {
		return err
	}

	if _, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(objectID),
		Body:   bytes.NewReader(data),
	}); err != nil {
		return fmt.Errorf("objectio: uploading data object %s: %w", objectID, err)
	}
	if _, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(indexKey(objectID)),
		Body:   bytes.NewReader(idxPayload),
	}); err != nil {
		return fmt.Errorf("objectio: uploading index object %s: %w", objectID, err)
	}
	return nil
}
