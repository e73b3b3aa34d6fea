package tokenizer

import (
	"unicode"
	"unicode/utf8"
)

// OutputStream decodes a growing token sequence incrementally. Text is
// released only once the decoded suffix ends in a letter or digit, so
// multi-token characters and words are not split mid-way.
//
// An OutputStream belongs to one generation session.
type OutputStream struct {
	tok     *HFTokenizer
	tokens  []int
	prev    int
	current int
}

func NewOutputStream(tok *HFTokenizer) *OutputStream {
	return &OutputStream{tok: tok}
}

func (s *OutputStream) Encode(text string) ([]int, error) { return s.tok.Encode(text) }

func (s *OutputStream) TokenID(token string) (int, bool) { return s.tok.TokenID(token) }

// Tokenizer returns the underlying tokenizer.
func (s *OutputStream) Tokenizer() *HFTokenizer { return s.tok }

// NextToken records id and returns the newly printable text, if any.
func (s *OutputStream) NextToken(id int) (string, bool, error) {
	prevText, err := s.decode(s.tokens[s.prev:s.current])
	if err != nil {
		return "", false, err
	}
	s.tokens = append(s.tokens, id)
	text, err := s.decode(s.tokens[s.prev:])
	if err != nil {
		return "", false, err
	}
	if len(text) <= len(prevText) {
		return "", false, nil
	}
	last, _ := utf8.DecodeLastRuneInString(text)
	if !unicode.IsLetter(last) && !unicode.IsDigit(last) {
		return "", false, nil
	}
	s.prev = s.current
	s.current = len(s.tokens)
	return text[len(prevText):], true, nil
}

// DecodeRest returns text still held back by NextToken.
func (s *OutputStream) DecodeRest() (string, bool, error) {
	prevText, err := s.decode(s.tokens[s.prev:s.current])
	if err != nil {
		return "", false, err
	}
	text, err := s.decode(s.tokens[s.prev:])
	if err != nil {
		return "", false, err
	}
	if len(text) <= len(prevText) {
		return "", false, nil
	}
	return text[len(prevText):], true, nil
}

// Reset forgets every recorded token.
func (s *OutputStream) Reset() {
	s.tokens = s.tokens[:0]
	s.prev = 0
	s.current = 0
}

// Tokens returns the ids recorded since the last Reset.
func (s *OutputStream) Tokens() []int { return s.tokens }

func (s *OutputStream) decode(ids []int) (string, error) {
	if len(ids) == 0 {
		return "", nil
	}
	return s.tok.Decode(ids, true)
}
