package sfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNamePriority(t *testing.T) {
	p, ok := Name("05-base.sfs").Priority()
	assert.True(t, ok)
	assert.Equal(t, 5, p)

	_, ok = Name("base.sfs").Priority()
	assert.False(t, ok)

	_, ok = Name("5-base.sfs").Priority()
	assert.False(t, ok)
}

func TestNameStripped(t *testing.T) {
	tests := map[string]string{
		"00-foo.sfs":            "foo",
		"foo.sfs":               "foo",
		"foo":                   "foo",
		"10-foo.sfs.1700000000": "foo",
		"foo.sfs.OLD.17":        "foo",
		"a.sfs.b.sfs":           "a.sfs.b",
	}
	for in, want := range tests {
		assert.Equal(t, want, Name(in).Stripped(), in)
	}
}

func TestNameMatches(t *testing.T) {
	tests := []struct {
		name  string
		other string
		want  bool
	}{
		{"00-foo.sfs", "00-foo.sfs", true},
		{"00-foo.sfs", "foo", true},
		{"00-foo.sfs", "foo.sfs", true},
		{"foo.sfs", "00-foo.sfs", true},
		{"00-foo.sfs", "01-foo.sfs", false},
		{"00-foo.sfs", "bar", false},
		{"00-foo.sfs", "00-f*", true},
		{"10-kernel-6.1.sfs", "10-kernel-*", true},
		{"10-kernel-6.1.sfs", "kernel-*", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Name(tt.name).Matches(tt.other), "%s vs %s", tt.name, tt.other)
	}
}

func TestSlotName(t *testing.T) {
	slot, ok := SlotName("/d/10-foo.sfs.1700000000")
	assert.True(t, ok)
	assert.Equal(t, "/d/10-foo.sfs", slot)

	slot, ok = SlotName("/d/10-foo.sfs.OLD.1700000000")
	assert.True(t, ok)
	assert.Equal(t, "/d/10-foo.sfs", slot)

	slot, ok = SlotName("/d/10-foo.sfs.1700000000 (deleted)")
	assert.True(t, ok)
	assert.Equal(t, "/d/10-foo.sfs", slot)

	_, ok = SlotName("/d/10-foo.sfs")
	assert.False(t, ok)
}

func TestIsBackup(t *testing.T) {
	assert.True(t, IsBackup("/d/foo.sfs.OLD.12"))
	assert.False(t, IsBackup("/d/foo.sfs.12"))
}
