// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

func TestInfo_MarksDirtyBuilds(t *testing.T) {
	defer func(commit, dirty string) { GitCommit, GitDirty = commit, dirty }(GitCommit, GitDirty)

	GitCommit, GitDirty = "abc1234", "true"
	if info := Info(); !strings.Contains(info, "abc1234-dirty") {
		t.Errorf("Info() = %q, want the dirty commit", info)
	}
	GitDirty = "false"
	if info := Info(); strings.Contains(info, "dirty") {
		t.Errorf("Info() = %q, clean build marked dirty", info)
	}
}

func TestLine(t *testing.T) {
	if line := Line("tether-peer"); !strings.HasPrefix(line, "tether-peer "+Version) {
		t.Errorf("Line() = %q", line)
	}
	if full := Full(); !strings.Contains(full, "Go: ") {
		t.Errorf("Full() = %q", full)
	}
}
