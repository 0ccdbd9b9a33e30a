package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed keys.
// Version suffix enables future algorithm migration.
const (
	DomainUniqueKey = "reconcile/unique/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// UniqueKeyHash computes the key under which a unique-together tuple is
// indexed. Two entities of the same kind collide exactly when their values
// for the declared fields are semantically equal.
func UniqueKeyHash(kind string, values map[string]Value) (string, error) {
	body, err := MarshalCanonicalMap(values)
	if err != nil {
		return "", fmt.Errorf("UniqueKeyHash: %w", err)
	}
	kindJSON, err := MarshalCanonical(String(kind))
	if err != nil {
		return "", fmt.Errorf("UniqueKeyHash: %w", err)
	}
	data := make([]byte, 0, len(kindJSON)+1+len(body))
	data = append(data, kindJSON...)
	data = append(data, 0x00)
	data = append(data, body...)
	return hashWithDomain(DomainUniqueKey, data), nil
}

// MustUniqueKeyHash is like UniqueKeyHash but panics on error.
// Use only in tests.
func MustUniqueKeyHash(kind string, values map[string]Value) string {
	h, err := UniqueKeyHash(kind, values)
	if err != nil {
		panic(err)
	}
	return h
}
