// Copyright © 2024 The ELPS authors

package debugger

import (
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru"
)

// Presentation hints understood by clients.
const (
	HintNormal      = "normal"
	HintSubtle      = "subtle"
	HintDeemphasize = "deemphasize"
)

// missingSourceReference marks sources the client cannot open locally.
// Requests for its content are answered with "no source available".
const missingSourceReference = 1000

const defaultSourceCacheSize = 512

// Source locates the code of a stack frame.
type Source struct {
	Name             string
	Path             string
	SourceReference  int
	PresentationHint string
}

// StackFrame is a frame as presented to the client. ID is an opaque handle
// that stays valid until the next resume.
type StackFrame struct {
	ID               int
	Name             string
	Source           *Source
	Line             int
	Column           int
	PresentationHint string
}

// sourceResolver decides how a debuggee path is shown to the client.
// Local file existence is cached since every stop resolves the whole stack.
type sourceResolver struct {
	exists *lru.Cache
	stat   func(string) (os.FileInfo, error)
}

func newSourceResolver(size int) *sourceResolver {
	if size <= 0 {
		size = defaultSourceCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		// lru.New only fails for non-positive sizes.
		panic(err)
	}
	return &sourceResolver{exists: cache, stat: os.Stat}
}

func (r *sourceResolver) fileExists(path string) bool {
	if v, ok := r.exists.Get(path); ok {
		return v.(bool)
	}
	fi, err := r.stat(path)
	ok := err == nil && !fi.IsDir()
	r.exists.Add(path, ok)
	return ok
}

func (r *sourceResolver) purge() {
	r.exists.Purge()
}

// resolve converts a native frame. The returned frame has no ID yet.
func (r *sourceResolver) resolve(nf NativeFrame) StackFrame {
	sf := StackFrame{
		Name:             nf.Function,
		Line:             nf.Line,
		Column:           nf.Column,
		PresentationHint: HintSubtle,
	}
	if nf.Path == "" {
		return sf
	}
	name := filepath.Base(nf.Path)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return sf
	}
	if r.fileExists(nf.Path) {
		sf.Source = &Source{Name: name, Path: nf.Path, PresentationHint: HintNormal}
		sf.PresentationHint = HintNormal
		return sf
	}
	sf.Source = &Source{
		Name:             name,
		SourceReference:  missingSourceReference,
		PresentationHint: HintDeemphasize,
	}
	return sf
}
