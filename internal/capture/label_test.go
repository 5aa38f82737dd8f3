package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLabelMatchesWholeWords(t *testing.T) {
	t.Parallel()

	vocab := []string{"accept", "agree", "continue", "i understand"}
	assert.True(t, LabelMatches("I Agree", vocab))
	assert.True(t, LabelMatches("  Accept all cookies ", vocab))
	assert.True(t, LabelMatches("Yes, I understand.", vocab))
	assert.False(t, LabelMatches("Disagree", vocab))
	assert.False(t, LabelMatches("Unacceptable", vocab))
	assert.False(t, LabelMatches("", vocab))
	assert.True(t, LabelMatches("anything", nil))
	assert.Equal(t, "next page", NormalizeLabel("Next  Page ›"))
}
