package IO

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model/wordlevel"
	"github.com/sugarme/tokenizer/pretokenizer"
)

const (
	UnkToken = "<unk>"
	EOSToken = "<eos>"
)

// Special tokens kept at the start of the vocab: <unk> is id 0, <eos> is id 1.
var special = []string{UnkToken, EOSToken}

// Tokenizer is a whitespace word-level tokenizer over an owned vocabulary.
// Words missing from the vocabulary encode to the <unk> id. Encoding runs
// through a sugarme word-level model behind a whitespace pre-tokenizer.
type Tokenizer struct {
	tokenToID map[string]int
	idToToken []string
	tk        *tokenizer.Tokenizer
}

// NewTokenizer builds a vocabulary of the special tokens followed by words in
// order. Duplicates and words equal to a special token are skipped.
func NewTokenizer(words []string) *Tokenizer {
	tok := &Tokenizer{tokenToID: make(map[string]int, len(words)+len(special))}
	for _, w := range special {
		tok.add(w)
	}
	for _, w := range words {
		tok.add(w)
	}
	return tok.compile()
}

func (tok *Tokenizer) add(w string) {
	if _, ok := tok.tokenToID[w]; ok {
		return
	}
	tok.tokenToID[w] = len(tok.idToToken)
	tok.idToToken = append(tok.idToToken, w)
}

// compile freezes the vocabulary into the word-level model.
func (tok *Tokenizer) compile() *Tokenizer {
	model, err := wordlevel.New(maps.Clone(tok.tokenToID), UnkToken)
	if err != nil {
		panic(fmt.Sprintf("wordlevel model: %v", err))
	}
	tok.tk = tokenizer.NewTokenizer(model)
	tok.tk.WithPreTokenizer(pretokenizer.NewWhitespaceSplit())
	return tok
}

// BuildTokenizer keeps the maxSize most frequent words of text (special tokens
// included in the count). Ties are broken alphabetically so the vocabulary is
// deterministic. maxSize <= 0 keeps every word.
func BuildTokenizer(text string, maxSize int) *Tokenizer {
	counts := make(map[string]int)
	for _, w := range strings.Fields(text) {
		counts[w]++
	}
	type kv struct {
		k string
		v int
	}
	arr := make([]kv, 0, len(counts))
	for k, v := range counts {
		arr = append(arr, kv{k, v})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].v == arr[j].v {
			return arr[i].k < arr[j].k
		}
		return arr[i].v > arr[j].v
	})

	words := make([]string, 0, len(arr))
	for _, e := range arr {
		if maxSize > 0 && len(words)+len(special) >= maxSize {
			break
		}
		words = append(words, e.k)
	}
	return NewTokenizer(words)
}

func (tok *Tokenizer) VocabSize() int { return len(tok.idToToken) }
func (tok *Tokenizer) UnkID() int     { return tok.tokenToID[UnkToken] }
func (tok *Tokenizer) EOSID() int     { return tok.tokenToID[EOSToken] }

// Lookup returns the id for word, or the <unk> id.
func (tok *Tokenizer) Lookup(word string) int {
	if id, ok := tok.tokenToID[word]; ok {
		return id
	}
	return tok.UnkID()
}

// Token returns the word for id, or <unk> when id is outside the vocabulary.
func (tok *Tokenizer) Token(id int) string {
	if id < 0 || id >= len(tok.idToToken) {
		return UnkToken
	}
	return tok.idToToken[id]
}

// Encode splits text on spaces, tabs and line breaks and maps each word to its
// id. Words missing from the vocabulary encode as <unk>.
func (tok *Tokenizer) Encode(text string) []int {
	if strings.TrimSpace(text) == "" {
		return []int{}
	}
	enc, err := tok.tk.EncodeSingle(text)
	if err != nil {
		// only possible when <unk> is missing, which NewTokenizer and
		// ImportVocabJSON rule out
		panic(fmt.Sprintf("encode: %v", err))
	}
	return slices.Clone(enc.Ids)
}

// Decode joins the words for ids with single spaces. Ids outside the
// vocabulary render as <unk>.
func (tok *Tokenizer) Decode(ids []int) string {
	known := make([]int, len(ids))
	for i, id := range ids {
		if id < 0 || id >= len(tok.idToToken) {
			id = tok.UnkID()
		}
		known[i] = id
	}
	return tok.tk.Decode(known, false)
}

type vocabFile struct {
	TokenToID map[string]int `json:"TokenToID"`
	IDToToken []string       `json:"IDToToken"`
}

func (tok *Tokenizer) ExportVocabJSON(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(vocabFile{TokenToID: tok.tokenToID, IDToToken: tok.idToToken})
}

// ImportVocabJSON loads a vocab.json written by ExportVocabJSON. IDToToken is
// authoritative; the special tokens must occupy their reserved ids.
func ImportVocabJSON(path string) (*Tokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var data vocabFile
	if err := json.NewDecoder(f).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode vocab %s: %w", path, err)
	}
	for i, w := range special {
		if i >= len(data.IDToToken) || data.IDToToken[i] != w {
			return nil, fmt.Errorf("vocab %s: id %d must be %q", path, i, w)
		}
	}
	tok := &Tokenizer{tokenToID: make(map[string]int, len(data.IDToToken))}
	for _, w := range data.IDToToken {
		if _, dup := tok.tokenToID[w]; dup {
			return nil, fmt.Errorf("vocab %s: duplicate token %q", path, w)
		}
		tok.add(w)
	}
	return tok.compile(), nil
}
