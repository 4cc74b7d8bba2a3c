// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"encoding/hex"

	"github.com/agentcache/uplink/pkg/utils"
)

// ContentHash uniquely identifies file content by its SHA-256 digest,
// hex encoded.
type ContentHash string

// ContentHashFromBytes computes a ContentHash from data content
func ContentHashFromBytes(data []byte) ContentHash {
	h := utils.Sha256PoolGetHasher()
	h.Write(data)
	sum := h.Sum(nil)
	utils.Sha256PoolPutHasher(h)
	return ContentHash(hex.EncodeToString(sum))
}

func (c ContentHash) String() string {
	return string(c)
}

// Valid reports whether the hash is a well-formed hex SHA-256 digest.
func (c ContentHash) Valid() bool {
	if len(c) != 64 {
		return false
	}
	_, err := hex.DecodeString(string(c))
	return err == nil
}

// ObjectKey returns the object-store key for content with this hash.
// Keys are sharded by hash prefix to avoid hot directories.
func (c ContentHash) ObjectKey() string {
	s := c.String()
	if len(s) < 4 {
		return "objects/" + s
	}
	return "objects/" + s[0:2] + "/" + s[2:4] + "/" + s
}

// ContentRecord is a deduplication index entry. A record exists if and
// only if its content has been fully verified and stored.
type ContentRecord struct {
	Hash      ContentHash `json:"hash"`
	ObjectKey string      `json:"object_key"`
	Size      int64       `json:"size"`
	RefCount  int64       `json:"ref_count"`
	FirstSeen int64       `json:"first_seen"` // Unix nano timestamp
}
