package IO

import (
	"fmt"
	"os"
)

func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// LoadOrBuildTokenizer imports the vocabulary at vocabPath when it exists,
// otherwise builds one from the corpus at dataPath and exports it there.
// An empty vocabPath always builds and never writes.
func LoadOrBuildTokenizer(vocabPath, dataPath string, maxSize int) (tok *Tokenizer, built bool, err error) {
	if vocabPath != "" && FileExists(vocabPath) {
		tok, err = ImportVocabJSON(vocabPath)
		return tok, false, err
	}
	raw, err := os.ReadFile(dataPath)
	if err != nil {
		return nil, false, fmt.Errorf("read corpus for vocab: %w", err)
	}
	tok = BuildTokenizer(string(raw), maxSize)
	if vocabPath != "" {
		if err := tok.ExportVocabJSON(vocabPath); err != nil {
			return nil, false, fmt.Errorf("export vocab: %w", err)
		}
	}
	return tok, true, nil
}
