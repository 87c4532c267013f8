package worker

import (
	"context"
	"sync"

	"github.com/kaverin/echorelay/crypto"
	"github.com/kaverin/echorelay/models"
)

type KeyEncryptJob struct {
	UserId    int64
	PublicKey string
	Key       string
}

type KeyEncryptResult struct {
	UserId     int64
	Ciphertext string
	Err        error
}

// KeyEncryptPool bounds the number of concurrent RSA encryptions. Key
// packages fan one symmetric key out to every group member, and RSA-OAEP is
// expensive enough that an unbounded fan-out would spike CPU on large groups.
type KeyEncryptPool struct {
	cipher *crypto.Cipher
	size   int
}

const defaultPoolSize = 4

func NewKeyEncryptPool(cipher *crypto.Cipher, size int) *KeyEncryptPool {
	if size <= 0 {
		size = defaultPoolSize
	}
	return &KeyEncryptPool{cipher: cipher, size: size}
}

// EncryptAll encrypts the symmetric key for every participant over the
// pool's workers and returns one result per participant, in no particular
// order. A failed participant gets its error in the result; the rest are
// unaffected.
func (p *KeyEncryptPool) EncryptAll(ctx context.Context, symmetricKey string, participants []models.Participant) []KeyEncryptResult {
	jobs := make(chan KeyEncryptJob, len(participants))
	results := make(chan KeyEncryptResult, len(participants))

	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				select {
				case <-ctx.Done():
					results <- KeyEncryptResult{UserId: job.UserId, Err: ctx.Err()}
					continue
				default:
				}

				ct, err := p.cipher.EncryptKeyForRecipient(job.Key, job.PublicKey)
				results <- KeyEncryptResult{UserId: job.UserId, Ciphertext: ct, Err: err}
			}
		}()
	}

	for _, participant := range participants {
		jobs <- KeyEncryptJob{
			UserId:    participant.UserId,
			PublicKey: participant.PublicKey,
			Key:       symmetricKey,
		}
	}
	close(jobs)
	wg.Wait()
	close(results)

	collected := make([]KeyEncryptResult, 0, len(participants))
	for res := range results {
		collected = append(collected, res)
	}
	return collected
}
