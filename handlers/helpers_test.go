package handlers

import (
	"encoding/hex"
	"time"

	"github.com/Stealth-AI-data-infra/nautilus-ai/shared"
)

func hexString(b []byte) string {
	return hex.EncodeToString(b)
}

func clockAt(t time.Time) shared.Clock {
	return shared.ClockFunc(func() (time.Time, error) { return t, nil })
}

func fastUpstream() *Upstream {
	return &Upstream{MaxAttempts: 3, InitialInterval: time.Millisecond}
}
