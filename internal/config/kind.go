package config

import (
	"fmt"
	"strings"
)

const (
	KindAuto    = "auto"
	KindUnigram = "unigram"
	KindBPE     = "bpe"
)

func NormalizeKind(raw string) (string, error) {
	kind := strings.ToLower(strings.TrimSpace(raw))
	if kind == "" {
		kind = KindAuto
	}
	switch kind {
	case KindAuto, KindUnigram, KindBPE:
		return kind, nil
	case "sentencepiece", "spm":
		return KindAuto, nil
	default:
		return "", fmt.Errorf(
			"invalid tokenizer kind %q (expected %s|%s|%s)",
			raw,
			KindAuto,
			KindUnigram,
			KindBPE,
		)
	}
}
