package enrich

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// instructionSchema describes one decodable instruction of an anchor
// program: its 8-byte discriminator and the byte layout around the shared
// route argument tail. PrefixBytes is the count of argument bytes between
// the discriminator and the route-plan vector (sharedAccountsRoute carries
// a one-byte id there).
type instructionSchema struct {
	Name          string
	Discriminator [8]byte
	PrefixBytes   int
}

// programSchema is the pre-loaded binary instruction schema for one
// program. Immutable after construction; safe to share across concurrent
// enricher invocations without locking.
type programSchema struct {
	Name         string
	ProgramID    string
	Instructions []instructionSchema
}

type schemaFile struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	ProgramID    string `json:"programId"`
	Instructions []struct {
		Name        string `json:"name"`
		PrefixBytes int    `json:"prefixBytes"`
	} `json:"instructions"`
}

// loadProgramSchema parses an embedded schema document and derives each
// instruction's discriminator from the anchor convention:
// sha256("global:<name>")[0:8].
func loadProgramSchema(raw []byte) (*programSchema, error) {
	var f schemaFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse instruction schema: %w", err)
	}
	if f.ProgramID == "" {
		return nil, fmt.Errorf("instruction schema missing programId")
	}
	if len(f.Instructions) == 0 {
		return nil, fmt.Errorf("instruction schema has no instructions")
	}

	schema := &programSchema{
		Name:      f.Name,
		ProgramID: f.ProgramID,
	}
	for _, in := range f.Instructions {
		if in.Name == "" {
			return nil, fmt.Errorf("instruction schema entry missing name")
		}
		sum := sha256.Sum256([]byte("global:" + in.Name))
		var disc [8]byte
		copy(disc[:], sum[:8])
		schema.Instructions = append(schema.Instructions, instructionSchema{
			Name:          in.Name,
			Discriminator: disc,
			PrefixBytes:   in.PrefixBytes,
		})
	}
	return schema, nil
}

// match returns the instruction schema whose discriminator prefixes data,
// or nil.
func (s *programSchema) match(data []byte) *instructionSchema {
	if len(data) < 8 {
		return nil
	}
	for i := range s.Instructions {
		in := &s.Instructions[i]
		if [8]byte(data[:8]) == in.Discriminator {
			return in
		}
	}
	return nil
}
