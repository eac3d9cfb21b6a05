// Package vocab holds the fixed character level vocabulary shared by training and serving.
package vocab

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strconv"
	"unicode/utf8"
)

// UnknownID is the id substituted for characters missing from the vocabulary.
const UnknownID int32 = 0

// Tokenizer is an interface for tokenizing text.
type Tokenizer interface {
	Decode(tokens []int32) (string, error)
	Encode(text string) ([]int32, error)
}

// DecodeError is returned when a token id has no character in the vocabulary.
type DecodeError struct {
	ID   int32
	Size int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("token id %d is outside the vocabulary of size %d", e.ID, e.Size)
}

// Vocab maps single characters (code points) to contiguous ids and back.
type Vocab struct {
	stoi map[rune]int32
	itos []rune
}

// New returns a vocabulary where chars[i] has id i.
func New(chars []rune) (*Vocab, error) {
	if len(chars) == 0 {
		return nil, fmt.Errorf("vocabulary must not be empty")
	}
	v := &Vocab{
		stoi: make(map[rune]int32, len(chars)),
		itos: slices.Clone(chars),
	}
	for i, c := range chars {
		if _, ok := v.stoi[c]; ok {
			return nil, fmt.Errorf("duplicate character %q in vocabulary", c)
		}
		v.stoi[c] = int32(i)
	}
	return v, nil
}

// Build returns the vocabulary of every distinct character in text, ordered by code point.
func Build(text string) (*Vocab, error) {
	seen := map[rune]struct{}{}
	for _, r := range text {
		seen[r] = struct{}{}
	}
	chars := make([]rune, 0, len(seen))
	for r := range seen {
		chars = append(chars, r)
	}
	slices.Sort(chars)
	return New(chars)
}

// Size returns the number of ids.
func (v *Vocab) Size() int {
	return len(v.itos)
}

// Chars returns the characters in id order.
func (v *Vocab) Chars() []rune {
	return slices.Clone(v.itos)
}

// ID returns the id of c.
func (v *Vocab) ID(c rune) (int32, bool) {
	id, ok := v.stoi[c]
	return id, ok
}

// Char returns the character with the given id.
func (v *Vocab) Char(id int32) (rune, bool) {
	if id < 0 || int(id) >= len(v.itos) {
		return 0, false
	}
	return v.itos[id], true
}

// Encode maps every character of text to its id. Characters outside the
// vocabulary become UnknownID; encoding never fails.
func (v *Vocab) Encode(text string) ([]int32, error) {
	tokens := make([]int32, 0, utf8.RuneCountInString(text))
	for _, r := range text {
		id, ok := v.stoi[r]
		if !ok {
			id = UnknownID
		}
		tokens = append(tokens, id)
	}
	return tokens, nil
}

// Decode maps ids back to text. An id outside the vocabulary fails with a
// *DecodeError.
func (v *Vocab) Decode(tokens []int32) (string, error) {
	out := make([]rune, 0, len(tokens))
	for _, id := range tokens {
		c, ok := v.Char(id)
		if !ok {
			return "", &DecodeError{ID: id, Size: len(v.itos)}
		}
		out = append(out, c)
	}
	return string(out), nil
}

// persisted is the JSON form. Object keys are always strings, so itos is
// keyed by the decimal id.
type persisted struct {
	VocabSize int               `json:"vocab_size"`
	Stoi      map[string]int    `json:"stoi"`
	Itos      map[string]string `json:"itos"`
}

// MarshalJSON implements json.Marshaler.
func (v *Vocab) MarshalJSON() ([]byte, error) {
	p := persisted{
		VocabSize: len(v.itos),
		Stoi:      make(map[string]int, len(v.itos)),
		Itos:      make(map[string]string, len(v.itos)),
	}
	for i, c := range v.itos {
		p.Stoi[string(c)] = i
		p.Itos[strconv.Itoa(i)] = string(c)
	}
	return json.Marshal(p)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Vocab) UnmarshalJSON(data []byte) error {
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	itos := make(map[int]string, len(p.Itos))
	for k, c := range p.Itos {
		id, err := strconv.Atoi(k)
		if err != nil {
			return fmt.Errorf("itos key %q is not an integer id", k)
		}
		itos[id] = c
	}
	parsed, err := FromMaps(p.VocabSize, p.Stoi, itos)
	if err != nil {
		return err
	}
	*v = *parsed
	return nil
}

// FromMaps validates a stoi/itos pair and builds a vocabulary from it. Every
// id in [0, size) must map to exactly one single-character string, and stoi
// must be the exact inverse of itos.
func FromMaps(size int, stoi map[string]int, itos map[int]string) (*Vocab, error) {
	if size != len(itos) || size != len(stoi) {
		return nil, fmt.Errorf("vocab_size %d does not match stoi (%d) and itos (%d)", size, len(stoi), len(itos))
	}
	chars := make([]rune, size)
	for id := 0; id < size; id++ {
		s, ok := itos[id]
		if !ok {
			return nil, fmt.Errorf("itos is missing id %d", id)
		}
		if utf8.RuneCountInString(s) != 1 {
			return nil, fmt.Errorf("itos[%d] = %q is not a single character", id, s)
		}
		if stoi[s] != id {
			return nil, fmt.Errorf("stoi[%q] = %d, want %d", s, stoi[s], id)
		}
		c, _ := utf8.DecodeRuneInString(s)
		chars[id] = c
	}
	return New(chars)
}

// Load reads a vocabulary JSON file.
func Load(path string) (*Vocab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v Vocab
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse vocabulary %s: %w", path, err)
	}
	return &v, nil
}

// Save writes the vocabulary as JSON.
func (v *Vocab) Save(path string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
