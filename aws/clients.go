package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/kinesis"
)

// Kinesis is the part of the Kinesis Data Streams API used to publish run
// progress. *kinesis.Client satisfies it.
type Kinesis interface {
	DescribeStreamSummary(ctx context.Context, params *kinesis.DescribeStreamSummaryInput, optFns ...func(*kinesis.Options)) (*kinesis.DescribeStreamSummaryOutput, error)
	PutRecord(ctx context.Context, params *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
}
