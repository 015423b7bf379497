package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name      string
		err       error
		transient bool
		permanent bool
	}{
		{name: "plain error", err: cause},
		{name: "transient", err: Transient("tei", "embed", cause), transient: true},
		{name: "permanent", err: Permanent("tei", "embed", cause), permanent: true},
		{name: "wrapped transient", err: fmt.Errorf("rerank batch: %w", Transient("tei", "rerank", cause)), transient: true},
		{name: "429", err: FromStatus("tei", "embed", http.StatusTooManyRequests, cause), transient: true},
		{name: "503", err: FromStatus("tei", "embed", http.StatusServiceUnavailable, cause), transient: true},
		{name: "400", err: FromStatus("tei", "embed", http.StatusBadRequest, cause), permanent: true},
		{name: "timeout", err: FromTransport("tei", "embed", context.DeadlineExceeded), transient: true},
		{name: "cancelled", err: FromTransport("tei", "embed", context.Canceled), permanent: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
			assert.Equal(t, tt.permanent, IsPermanent(tt.err))
			assert.Equal(t, tt.transient || tt.permanent, IsProviderError(tt.err))
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := FromStatus("openai", "embed", http.StatusBadGateway, errors.New("upstream"))
	assert.Equal(t, "openai embed: transient error (status 502): upstream", err.Error())
	assert.ErrorIs(t, err, err.Err)
}
