package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// BPE counts tokens with a local tiktoken encoding. It degrades to the
// heuristic when the encoding cannot be loaded.
type BPE struct {
	encoding string

	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

// NewBPE creates a BPE estimator. Empty encoding defaults to cl100k_base.
func NewBPE(encoding string) *BPE {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &BPE{encoding: encoding}
}

// Estimate implements Estimator.
func (b *BPE) Estimate(text string) int {
	if text == "" {
		return 0
	}
	b.once.Do(func() {
		b.enc, b.err = tiktoken.GetEncoding(b.encoding)
	})
	if b.err != nil || b.enc == nil {
		return Heuristic{}.Estimate(text)
	}
	return len(b.enc.Encode(text, nil, nil))
}
