package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hitoshi/calsync/internal/model"
)

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{401, KindAuthExpired},
		{429, KindRateLimited},
		{404, KindNotFound},
		{410, KindNotFound},
		{408, KindTransient},
		{500, KindTransient},
		{502, KindTransient},
		{503, KindTransient},
		{400, KindPermanent},
		{403, KindPermanent},
		{422, KindPermanent},
	}

	for _, tt := range tests {
		if got := ClassifyHTTPStatus(tt.status); got != tt.want {
			t.Errorf("ClassifyHTTPStatus(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestKindOf_WrappedError(t *testing.T) {
	base := NewHTTPError(model.ProviderGoogle, 429, "quota exceeded")
	wrapped := fmt.Errorf("fetch failed: %w", base)

	if got := KindOf(wrapped); got != KindRateLimited {
		t.Errorf("KindOf(wrapped) = %s, want %s", got, KindRateLimited)
	}
}

func TestKindOf_UnclassifiedError(t *testing.T) {
	// 未分類のエラー（ネットワーク断等）はTransientとして扱う
	if got := KindOf(errors.New("connection refused")); got != KindTransient {
		t.Errorf("KindOf(plain error) = %s, want %s", got, KindTransient)
	}
	if got := KindOf(context.DeadlineExceeded); got != KindTransient {
		t.Errorf("KindOf(DeadlineExceeded) = %s, want %s", got, KindTransient)
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(NewHTTPError(model.ProviderOutlook, 404, "event gone")) {
		t.Error("404エラーがIsNotFound=falseになっている")
	}
	if IsNotFound(NewHTTPError(model.ProviderOutlook, 500, "server error")) {
		t.Error("500エラーがIsNotFound=trueになっている")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want bool
	}{
		{KindTransient, true},
		{KindRateLimited, true},
		{KindAuthExpired, true},
		{KindAuthRevoked, false},
		{KindNotFound, false},
		{KindPermanent, false},
	}
	for _, tt := range tests {
		err := NewError(tt.kind, model.ProviderGoogle, "x", nil)
		if got := IsRetryable(err); got != tt.want {
			t.Errorf("IsRetryable(%s) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestError_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	outer := NewError(KindTransient, model.ProviderCalDAV, "outer", inner)

	if !errors.Is(outer, inner) {
		t.Error("errors.Isでラップ元のエラーに到達できない")
	}
}
