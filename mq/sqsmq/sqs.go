package sqsmq

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/kaverin/echorelay/mq"
)

// Long-poll window for Receive. An idle rotation consumer makes at most
// three requests a minute instead of spinning.
const receiveWaitSeconds = 20

// SQSMessageQueue carries key-rotation jobs. A job that is received but not
// deleted reappears after its visibility timeout, so a consumer dying
// mid-rotation only delays the rotation, never loses it.
type SQSMessageQueue struct {
	client   *sqs.Client
	queueURL string
}

// NewSQSMessageQueue resolves the rotation queue by name suffix. The queue
// itself is provisioned out of band; a missing queue is a startup error, not
// something to create on the fly.
func NewSQSMessageQueue(ctx context.Context, devMode bool, sqsEndpoint string, queueName string) (*SQSMessageQueue, error) {
	client, err := newSQSClient(context.Background(), devMode, sqsEndpoint)
	if err != nil {
		return nil, err
	}

	queueURLs, err := listQueueURLs(client, ctx)
	if err != nil {
		return nil, err
	}

	for _, queueURL := range queueURLs {
		if strings.HasSuffix(queueURL, "/"+queueName) {
			return &SQSMessageQueue{client: client, queueURL: queueURL}, nil
		}
	}

	return nil, fmt.Errorf("given queue name '%s' not found in SQS", queueName)
}

func (q *SQSMessageQueue) Send(ctx context.Context, body string) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(body),
	})
	return err
}

// Receive long-polls for one job. Returns nil, nil when the poll window
// closes without a job; the visibility timeout should exceed the worst-case
// rotation so the job is not redelivered while still being processed.
func (q *SQSMessageQueue) Receive(ctx context.Context, visibilityTimeout int32) (*mq.Message, error) {
	resp, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     receiveWaitSeconds,
		VisibilityTimeout:   visibilityTimeout,
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Messages) == 0 {
		return nil, nil
	}

	msg := resp.Messages[0]
	return &mq.Message{
		Id:   aws.ToString(msg.ReceiptHandle),
		Body: aws.ToString(msg.Body),
	}, nil
}

// Delete acknowledges a processed job by its receipt handle.
func (q *SQSMessageQueue) Delete(ctx context.Context, msg *mq.Message) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(msg.Id),
	})
	return err
}
