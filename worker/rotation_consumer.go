package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/kaverin/echorelay/models"
	"github.com/kaverin/echorelay/mq"
)

// RotateGroupKeyMessage is the job enqueued when a member is removed. The
// consumer rotates the group key for the remaining members.
type RotateGroupKeyMessage struct {
	GroupId        int64   `json:"groupId"`
	RemovedUserIds []int64 `json:"removedUserIds"`
}

// KeyRotator is the slice of the service layer the consumer needs.
type KeyRotator interface {
	RotateGroupKey(ctx context.Context, groupId int64, removedUserIds []int64) (models.KeyPackage, error)
}

type RotationConsumer struct {
	rotationQueue mq.MessageQueue
	rotator       KeyRotator
}

func NewRotationConsumer(rotationQueue mq.MessageQueue, rotator KeyRotator) *RotationConsumer {
	return &RotationConsumer{
		rotationQueue: rotationQueue,
		rotator:       rotator,
	}
}

// Rotation of a large group is a transaction over every member row; give it
// ample room before SQS re-delivers the job.
const visibilityTimeout = 60

func (rotationConsumer RotationConsumer) Run(shutdownCtx context.Context) {
	for {
		msg, err := rotationConsumer.rotationQueue.Receive(shutdownCtx, visibilityTimeout)

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			log.Printf("rotationConsumer receive error: %v", err)
			continue
		}

		if msg == nil {
			continue
		}

		var rotateMsg RotateGroupKeyMessage
		if err := json.Unmarshal([]byte(msg.Body), &rotateMsg); err != nil {
			continue
		}

		// timeout should be a little less than queue visibility timeout
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(visibilityTimeout-1)*time.Second)

		if _, err := rotationConsumer.rotator.RotateGroupKey(ctx, rotateMsg.GroupId, rotateMsg.RemovedUserIds); err != nil {
			cancel()
			// Leave the job in the queue; SQS re-delivers after the
			// visibility timeout.
			log.Printf("rotate group key %d failed: %v", rotateMsg.GroupId, err)
			continue
		}
		cancel()

		if err := rotationConsumer.rotationQueue.Delete(context.Background(), msg); err != nil {
			log.Printf("rotationConsumer delete error: %v", err)
			continue
		}
	}
}
