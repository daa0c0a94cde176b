package tokenizer

import (
	"fmt"
	"strconv"
	"strings"

	gosp "github.com/vikesh-raj/go-sentencepiece-encoder/sentencepiece"
	"golang.org/x/text/unicode/norm"
	"google.golang.org/protobuf/proto"
)

// PieceType classifies a vocabulary entry.
type PieceType int

const (
	PieceOther PieceType = iota
	PieceNormal
	PieceUnknown
	PieceControl
	PieceUserDefined
)

// Vocabulary is the id-indexed piece table of a loaded model.
type Vocabulary struct {
	pieces []string
	types  []PieceType
	scores []float32
	index  map[string]int32

	modelKind Kind
	unknownID int32
	bosID     int32
	eosID     int32
}

// Info summarizes a model without building an engine.
type Info struct {
	Kind      Kind   `json:"-"`
	KindName  string `json:"kind"`
	VocabSize int    `json:"vocab_size"`
	UnknownID int32  `json:"unknown_id"`
	BOSID     int32  `json:"bos_id"`
	EOSID     int32  `json:"eos_id"`
}

func parseModelProto(data []byte) (*gosp.ModelProto, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("tokenizer model data must not be empty")
	}

	var model gosp.ModelProto
	if err := proto.Unmarshal(data, &model); err != nil {
		return nil, fmt.Errorf("unmarshal sentencepiece model: %w", err)
	}

	if len(model.GetPieces()) == 0 {
		return nil, fmt.Errorf("sentencepiece model has no pieces")
	}

	return &model, nil
}

func detectKind(model *gosp.ModelProto) (Kind, error) {
	switch t := model.GetTrainerSpec().GetModelType(); t {
	case gosp.TrainerSpec_UNIGRAM:
		return KindUnigram, nil
	case gosp.TrainerSpec_BPE:
		return KindBPE, nil
	default:
		return KindAuto, fmt.Errorf("%w: %s", ErrUnsupportedKind, t.String())
	}
}

func newVocabulary(model *gosp.ModelProto) (*Vocabulary, error) {
	kind, err := detectKind(model)
	if err != nil {
		return nil, err
	}

	n := len(model.GetPieces())
	v := &Vocabulary{
		pieces:    make([]string, n),
		types:     make([]PieceType, n),
		scores:    make([]float32, n),
		index:     make(map[string]int32, n),
		modelKind: kind,
		unknownID: -1,
		bosID:     -1,
		eosID:     -1,
	}

	for i, piece := range model.GetPieces() {
		id := int32(i)
		text := piece.GetPiece()
		v.pieces[i] = text
		v.scores[i] = piece.GetScore()

		switch piece.GetType() {
		case gosp.ModelProto_SentencePiece_NORMAL:
			v.types[i] = PieceNormal
		case gosp.ModelProto_SentencePiece_USER_DEFINED:
			v.types[i] = PieceUserDefined
		case gosp.ModelProto_SentencePiece_UNKNOWN:
			v.types[i] = PieceUnknown
			if v.unknownID < 0 {
				v.unknownID = id
			}
		case gosp.ModelProto_SentencePiece_CONTROL:
			v.types[i] = PieceControl
			switch text {
			case "<s>", "<bos>":
				v.bosID = id
			case "</s>", "<eos>":
				v.eosID = id
			}
		default:
			v.types[i] = PieceOther
		}

		if _, dup := v.index[text]; !dup {
			v.index[text] = id
		}
	}

	return v, nil
}

// Size returns the number of pieces.
func (v *Vocabulary) Size() int { return len(v.pieces) }

// Kind returns the model type recorded in the trainer spec.
func (v *Vocabulary) Kind() Kind { return v.modelKind }

func (v *Vocabulary) UnknownID() int32 { return v.unknownID }
func (v *Vocabulary) BOSID() int32     { return v.bosID }
func (v *Vocabulary) EOSID() int32     { return v.eosID }

// Piece returns the raw piece for id, marker included.
func (v *Vocabulary) Piece(id int32) (string, error) {
	if id < 0 || int(id) >= len(v.pieces) {
		return "", fmt.Errorf("%w: %d (vocab size %d)", ErrIDOutOfRange, id, len(v.pieces))
	}
	return v.pieces[id], nil
}

// Type returns the piece type for id, or PieceOther when out of range.
func (v *Vocabulary) Type(id int32) PieceType {
	if id < 0 || int(id) >= len(v.types) {
		return PieceOther
	}
	return v.types[id]
}

// Score returns the piece score for id, or 0 when out of range.
func (v *Vocabulary) Score(id int32) float32 {
	if id < 0 || int(id) >= len(v.scores) {
		return 0
	}
	return v.scores[id]
}

// ID looks up a piece. A miss on the raw string is retried after NFKC
// normalization, which is what the engines apply to input text.
func (v *Vocabulary) ID(piece string) (int32, bool) {
	if id, ok := v.index[piece]; ok {
		return id, true
	}
	id, ok := v.index[norm.NFKC.String(piece)]
	return id, ok
}

// Detokenize joins the pieces for ids into text. Control pieces are dropped,
// byte-fallback pieces (<0xHH>) are reassembled, markers become spaces and a
// single leading space is trimmed.
func (v *Vocabulary) Detokenize(ids []int32) (string, error) {
	var sb strings.Builder
	var pending []byte

	flush := func() {
		if len(pending) > 0 {
			sb.Write(pending)
			pending = pending[:0]
		}
	}

	for _, id := range ids {
		piece, err := v.Piece(id)
		if err != nil {
			return "", err
		}
		if v.types[id] == PieceControl {
			continue
		}
		if b, ok := byteFallback(piece); ok {
			pending = append(pending, b)
			continue
		}
		flush()
		sb.WriteString(piece)
	}
	flush()

	text := strings.ReplaceAll(sb.String(), Marker, " ")
	return strings.TrimPrefix(text, " "), nil
}

func byteFallback(piece string) (byte, bool) {
	if len(piece) != 6 || !strings.HasPrefix(piece, "<0x") || piece[5] != '>' {
		return 0, false
	}
	n, err := strconv.ParseUint(piece[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(n), true
}

func (v *Vocabulary) info() Info {
	return Info{
		Kind:      v.modelKind,
		KindName:  v.modelKind.String(),
		VocabSize: v.Size(),
		UnknownID: v.unknownID,
		BOSID:     v.bosID,
		EOSID:     v.eosID,
	}
}
