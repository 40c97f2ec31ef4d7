package mailer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnabled(t *testing.T) {
	var nilService *Service
	assert.False(t, nilService.Enabled(), "a nil mailer is safely disabled")

	assert.False(t, New("", 587, "", "", "elnote@lab.example").Enabled())
	assert.False(t, New("smtp.lab.example", 0, "", "", "elnote@lab.example").Enabled())
	assert.False(t, New("smtp.lab.example", 587, "", "", "").Enabled())
	assert.True(t, New("smtp.lab.example", 587, "", "", "elnote@lab.example").Enabled())
	assert.True(t, New("  smtp.lab.example  ", 587, "", "", "  elnote@lab.example  ").Enabled())
}

func TestSendIsNoOpWhenDisabled(t *testing.T) {
	disabled := New("", 0, "", "", "")

	assert.NoError(t, disabled.SendAccountApprovedEmail("who@lab.example", "Who", "author", "temp-pass"))
	assert.NoError(t, disabled.SendAccountDeniedEmail("who@lab.example", "Who"))
}

func TestSendRequiresRecipient(t *testing.T) {
	enabled := New("smtp.lab.example", 587, "", "", "elnote@lab.example")

	err := enabled.SendAccountApprovedEmail("   ", "Who", "author", "temp-pass")
	assert.Error(t, err, "a blank recipient fails before any SMTP dial")

	err = enabled.SendAccountDeniedEmail("", "Who")
	assert.Error(t, err)
}
