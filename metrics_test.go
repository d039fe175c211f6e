package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewKeelMetrics(t *testing.T) {
	metrics := NewKeelMetrics("")
	assert.NotNil(t, metrics.Session.Parks)
	assert.NotNil(t, metrics.Strategy.Picks)

	metrics = NewKeelMetrics(":9099")
	assert.NotNil(t, metrics.Session.Queued)
	assert.NotNil(t, metrics.Strategy.Rung)
}
