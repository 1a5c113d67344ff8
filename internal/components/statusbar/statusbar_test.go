package statusbar

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/robertguss/serialforge/internal/theme"
)

func TestView(t *testing.T) {
	m := New(theme.NewStyles(theme.Nord))
	m.SetWidth(100)
	m.SetJobCounts(2, 7, 1)

	view := m.View()
	assert.Contains(t, view, "Active: 2")
	assert.Contains(t, view, "Completed: 7")
	assert.Contains(t, view, "Failed: 1")
	assert.Contains(t, view, "q quit")

	m.SetMessage("refreshing...")
	assert.Contains(t, m.View(), "refreshing...")
	assert.NotContains(t, m.View(), "q quit")

	m.SetError(errors.New("database is locked"))
	assert.Contains(t, m.View(), "database is locked")

	m.ClearMessage()
	assert.Contains(t, m.View(), "q quit")
}
