// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentHashValid(t *testing.T) {
	hash := ContentHashFromBytes([]byte("hello"))
	assert.True(t, hash.Valid())
	assert.Len(t, hash.String(), 64)

	assert.False(t, ContentHash("").Valid())
	assert.False(t, ContentHash("abc").Valid())
	assert.False(t, ContentHash(strings.Repeat("z", 64)).Valid())
}

func TestContentHashDeterministic(t *testing.T) {
	a := ContentHashFromBytes([]byte("same bytes"))
	b := ContentHashFromBytes([]byte("same bytes"))
	c := ContentHashFromBytes([]byte("other bytes"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestObjectKeySharding(t *testing.T) {
	hash := ContentHashFromBytes([]byte("x"))
	key := hash.ObjectKey()

	s := hash.String()
	assert.Equal(t, "objects/"+s[0:2]+"/"+s[2:4]+"/"+s, key)
}

func TestGeoPointDistance(t *testing.T) {
	amsterdam := GeoPoint{Lat: 52.37, Lon: 4.90}
	frankfurt := GeoPoint{Lat: 50.11, Lon: 8.68}

	d := amsterdam.DistanceKm(frankfurt)
	assert.InDelta(t, 360, d, 15)
	assert.InDelta(t, d, frankfurt.DistanceKm(amsterdam), 1e-9)
	assert.Zero(t, amsterdam.DistanceKm(amsterdam))
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("")
	assert.NoError(t, err)
	assert.Equal(t, PriorityBalanced, p)

	p, err = ParsePriority("speed")
	assert.NoError(t, err)
	assert.Equal(t, PrioritySpeed, p)

	_, err = ParsePriority("ludicrous")
	assert.Error(t, err)
}

func TestSessionStatusTransitions(t *testing.T) {
	assert.True(t, StatusPlanned.CanTransition(StatusUploading))
	assert.True(t, StatusUploading.CanTransition(StatusVerifying))
	assert.True(t, StatusUploading.CanTransition(StatusUploading))
	assert.True(t, StatusVerifying.CanTransition(StatusCompleted))
	assert.True(t, StatusUploading.CanTransition(StatusFailed))

	assert.False(t, StatusPlanned.CanTransition(StatusCompleted))
	assert.False(t, StatusUploading.CanTransition(StatusCompleted))
	assert.False(t, StatusCompleted.CanTransition(StatusFailed))
	assert.False(t, StatusFailed.CanTransition(StatusUploading))
}
