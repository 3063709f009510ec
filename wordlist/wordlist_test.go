package wordlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWordsUniqueAndLowercase(t *testing.T) {
	require.Len(t, Words, 256)

	seen := make(map[string]bool, len(Words))
	for _, w := range Words {
		require.NotEmpty(t, w)
		assert.False(t, seen[w], "duplicate word %q", w)
		seen[w] = true

		for i := 0; i < len(w); i++ {
			c := w[i]
			assert.True(t, c >= 'a' && c <= 'z', "word %q contains non-lowercase byte", w)
		}
	}
}

func TestChoose(t *testing.T) {
	inList := make(map[string]bool, len(Words))
	for _, w := range Words {
		inList[w] = true
	}

	for _, n := range []int{1, 2, 5} {
		words, err := Choose(n)
		require.NoError(t, err)
		require.Len(t, words, n)
		for _, w := range words {
			assert.True(t, inList[w], "chosen word %q is not in the list", w)
		}
	}
}

func TestChooseInvalidCount(t *testing.T) {
	_, err := Choose(0)
	assert.ErrorIs(t, err, ErrWordCount)

	_, err = Choose(-3)
	assert.ErrorIs(t, err, ErrWordCount)
}
