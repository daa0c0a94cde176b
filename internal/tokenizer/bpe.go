package tokenizer

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	gosp "github.com/vikesh-raj/go-sentencepiece-encoder/sentencepiece"
)

// bpeEngine runs SentencePiece BPE models by score-ordered pair merging over
// the model's own piece table.
type bpeEngine struct {
	vocab       *Vocabulary
	userDefined []string // longest first
	byteIDs     [256]int32

	addDummyPrefix         bool
	removeExtraWhitespaces bool
}

// normalizerFlags reads the whitespace handling of a model. Unset fields
// take the SentencePiece defaults (both true).
func normalizerFlags(ns *gosp.NormalizerSpec) (addDummyPrefix, removeExtra bool) {
	addDummyPrefix, removeExtra = true, true
	if ns == nil {
		return addDummyPrefix, removeExtra
	}
	if ns.AddDummyPrefix != nil {
		addDummyPrefix = *ns.AddDummyPrefix
	}
	if ns.RemoveExtraWhitespaces != nil {
		removeExtra = *ns.RemoveExtraWhitespaces
	}
	return addDummyPrefix, removeExtra
}

func newBPEEngine(mp *gosp.ModelProto, vocab *Vocabulary) (*bpeEngine, error) {
	if vocab.Size() == 0 {
		return nil, fmt.Errorf("%w: bpe model has no pieces", ErrUnsupportedKind)
	}

	e := &bpeEngine{vocab: vocab}
	e.addDummyPrefix, e.removeExtraWhitespaces = normalizerFlags(mp.GetNormalizerSpec())

	for i := range e.byteIDs {
		e.byteIDs[i] = -1
		if id, ok := vocab.index[fmt.Sprintf("<0x%02X>", i)]; ok {
			e.byteIDs[i] = id
		}
	}

	for id, t := range vocab.types {
		if t == PieceUserDefined && vocab.pieces[id] != "" {
			e.userDefined = append(e.userDefined, vocab.pieces[id])
		}
	}
	sort.SliceStable(e.userDefined, func(i, j int) bool {
		return len(e.userDefined[i]) > len(e.userDefined[j])
	})

	return e, nil
}

func (e *bpeEngine) normalize(text string) string {
	if e.removeExtraWhitespaces {
		text = strings.Join(strings.Fields(text), " ")
	}
	if text == "" {
		return ""
	}
	if e.addDummyPrefix && !strings.HasPrefix(text, " ") && !strings.HasPrefix(text, Marker) {
		text = " " + text
	}
	return strings.ReplaceAll(text, " ", Marker)
}

// symbols splits normalized text into user-defined pieces and single runes.
func (e *bpeEngine) symbols(text string) []string {
	out := make([]string, 0, len(text))
	for len(text) > 0 {
		matched := ""
		for _, ud := range e.userDefined {
			if strings.HasPrefix(text, ud) {
				matched = ud
				break
			}
		}
		if matched == "" {
			_, size := utf8.DecodeRuneInString(text)
			matched = text[:size]
		}
		out = append(out, matched)
		text = text[len(matched):]
	}
	return out
}

// mergeable reports the id of a piece two adjacent symbols may merge into.
func (e *bpeEngine) mergeable(piece string) (int32, bool) {
	id, ok := e.vocab.index[piece]
	if !ok {
		return 0, false
	}
	switch e.vocab.types[id] {
	case PieceNormal, PieceUserDefined:
		return id, true
	default:
		return 0, false
	}
}

func (e *bpeEngine) merge(syms []string) []string {
	for len(syms) > 1 {
		best := -1
		var bestScore float32
		for i := 0; i < len(syms)-1; i++ {
			id, ok := e.mergeable(syms[i] + syms[i+1])
			if !ok {
				continue
			}
			if score := e.vocab.scores[id]; best < 0 || score > bestScore {
				best, bestScore = i, score
			}
		}
		if best < 0 {
			break
		}
		syms[best] += syms[best+1]
		syms = append(syms[:best+1], syms[best+2:]...)
	}
	return syms
}

func (e *bpeEngine) Encode(text string) []int32 {
	normalized := e.normalize(text)
	if normalized == "" {
		return []int32{}
	}

	syms := e.merge(e.symbols(normalized))

	out := make([]int32, 0, len(syms))
	for _, sym := range syms {
		if id, ok := e.vocab.index[sym]; ok && e.vocab.types[id] != PieceControl {
			out = append(out, id)
			continue
		}
		out = e.appendFallback(out, sym)
	}
	return out
}

// appendFallback emits byte pieces for sym when the model has all of them,
// and the unknown id otherwise. Models without an unknown piece drop sym.
func (e *bpeEngine) appendFallback(out []int32, sym string) []int32 {
	fallback := make([]int32, 0, len(sym))
	for i := 0; i < len(sym); i++ {
		id := e.byteIDs[sym[i]]
		if id < 0 {
			if e.vocab.unknownID < 0 {
				return out
			}
			return append(out, e.vocab.unknownID)
		}
		fallback = append(fallback, id)
	}
	return append(out, fallback...)
}
