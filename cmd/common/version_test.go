package common

import (
	"bytes"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionInfo(t *testing.T) {
	info := GetVersionInfo()
	assert.Equal(t, ProjectName, info.ProjectName)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.True(t, IsDevBuild())
	assert.Equal(t, Version+"-dev (unknown)", GetFullVersion())

	var buf bytes.Buffer
	PrintVersion(&buf, "engine")
	assert.Contains(t, buf.String(), "engine v"+Version)
}
