package tokenizer

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Reserved ids. Pad doubles as the decoder start token, so it must stay 0.
const (
	PadID = 0
	EOSID = 1
	UnkID = 2
)

var reserved = []string{"<pad>", "</s>", "<unk>"}

// Vocabulary is the narrow tokenizer surface the preprocessing pipeline and
// the session consume. Implementations live outside the core; WordVocab is
// the bundled reference.
type Vocabulary interface {
	Encode(text string) ([]int32, error)
	Decode(ids []int32) string
	Size() int
	PadID() int32
	EOSID() int32
}

// UnknownTokenError reports a vocabulary miss. Encoding never substitutes a
// default id; the caller decides what an unknown token means.
type UnknownTokenError struct {
	Token string
}

func (e *UnknownTokenError) Error() string {
	return fmt.Sprintf("tokenizer: token %q not in vocabulary", e.Token)
}

// WordVocab is a whitespace word-level vocabulary. Ids 0..2 are reserved
// (<pad>, </s>, <unk>); words start at 3.
type WordVocab struct {
	tokens []string
	ids    map[string]int32
}

// New builds a vocabulary from a word list. Reserved tokens are prepended;
// duplicate words collapse to their first id.
func New(words []string) *WordVocab {
	v := &WordVocab{
		tokens: make([]string, 0, len(reserved)+len(words)),
		ids:    make(map[string]int32, len(reserved)+len(words)),
	}
	for _, tok := range reserved {
		v.add(tok)
	}
	for _, w := range words {
		v.add(w)
	}
	return v
}

// FromCorpus builds a deterministic vocabulary from sample texts: unique
// whitespace words, sorted.
func FromCorpus(texts []string) *WordVocab {
	seen := make(map[string]struct{})
	for _, text := range texts {
		for _, w := range strings.Fields(text) {
			seen[w] = struct{}{}
		}
	}
	words := make([]string, 0, len(seen))
	for w := range seen {
		words = append(words, w)
	}
	sort.Strings(words)
	return New(words)
}

// FromFile loads a vocabulary file, one word per line, blank lines skipped.
func FromFile(path string) (*WordVocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: open vocab %s: %w", path, err)
	}
	defer f.Close()

	var words []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		words = append(words, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("tokenizer: read vocab %s: %w", path, err)
	}
	return New(words), nil
}

func (v *WordVocab) add(tok string) {
	if _, ok := v.ids[tok]; ok {
		return
	}
	v.ids[tok] = int32(len(v.tokens))
	v.tokens = append(v.tokens, tok)
}

// Encode splits on whitespace and maps each word to its id. A miss is an
// *UnknownTokenError, never a silent skip or an <unk> substitution.
func (v *WordVocab) Encode(text string) ([]int32, error) {
	words := strings.Fields(text)
	ids := make([]int32, 0, len(words))
	for _, w := range words {
		id, ok := v.ids[w]
		if !ok {
			return nil, &UnknownTokenError{Token: w}
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Decode joins tokens with spaces. Reserved ids and out-of-range ids are
// dropped; everything after the first </s> is ignored.
func (v *WordVocab) Decode(ids []int32) string {
	var sb strings.Builder
	for _, id := range ids {
		if id == EOSID {
			break
		}
		if id < int32(len(reserved)) || int(id) >= len(v.tokens) {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(v.tokens[int(id)])
	}
	return sb.String()
}

func (v *WordVocab) Size() int { return len(v.tokens) }

func (v *WordVocab) PadID() int32 { return PadID }

func (v *WordVocab) EOSID() int32 { return EOSID }
