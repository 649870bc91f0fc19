package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSession_RevokeIsIrreversible(t *testing.T) {
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &Session{ID: "s1", Status: StatusActive, Active: true}

	assert.True(t, s.Revoke(first, RevokeReasonEvicted))
	assert.True(t, s.IsRevoked())
	assert.False(t, s.Active)
	assert.Equal(t, RevokeReasonEvicted, s.RevokeReason)

	assert.False(t, s.Revoke(first.Add(time.Hour), RevokeReasonUserInitiated))
	assert.Equal(t, first, *s.RevokedAt, "second revoke must not overwrite")
	assert.Equal(t, RevokeReasonEvicted, s.RevokeReason)
}

func TestSession_CloneIsDeep(t *testing.T) {
	at := time.Now()
	s := &Session{ID: "s1", RevokedAt: &at}
	c := s.Clone()
	*c.RevokedAt = at.Add(time.Hour)
	c.Active = true

	assert.Equal(t, at, *s.RevokedAt)
	assert.False(t, s.Active)
}
