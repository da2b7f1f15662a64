package extract

import (
	"fmt"
	"mime"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"go-polyglot/schema"
)

// checkFiles applies the declared per-field file constraints. Fields are
// checked in name order so error payloads are reproducible.
func (x *Extractor) checkFiles(files []upload, errs *[]schema.ValidationError) {
	if len(x.spec.Files) == 0 {
		return
	}
	byField := make(map[string][]upload)
	for _, f := range files {
		byField[f.Field] = append(byField[f.Field], f)
	}

	names := make([]string, 0, len(x.spec.Files))
	for name := range x.spec.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := x.spec.Files[name]
		got := byField[name]
		at := schema.At(schema.Body).Field(name)
		if len(got) == 0 {
			if spec.Required {
				*errs = append(*errs, schema.ValidationError{Location: at, Message: "Field required"})
			}
			continue
		}
		for i, f := range got {
			loc := at
			if len(got) > 1 {
				loc = at.Index(i)
			}
			if msg := checkFile(spec, f); msg != "" {
				*errs = append(*errs, schema.ValidationError{Location: loc, Message: msg})
			}
		}
	}
}

func checkFile(spec FileSpec, f upload) string {
	if spec.MinSize > 0 && f.Size < spec.MinSize {
		return fmt.Sprintf("File size %d is below the minimum of %d bytes", f.Size, spec.MinSize)
	}
	if spec.MaxSize > 0 && f.Size > spec.MaxSize {
		return fmt.Sprintf("File size %d exceeds the maximum of %d bytes", f.Size, spec.MaxSize)
	}

	declared := mediaType(f.ContentType)
	if len(spec.ContentTypes) > 0 && !allowed(spec.ContentTypes, declared) {
		return fmt.Sprintf("File type '%s' is not allowed; expected one of %s", declared, strings.Join(spec.ContentTypes, ", "))
	}
	if spec.VerifyMagic && !matchesMagic(f.sniff, declared) {
		return fmt.Sprintf("File content does not match declared type '%s'", declared)
	}
	return ""
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

// allowed matches exact types and "type/*" wildcards.
func allowed(patterns []string, mt string) bool {
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == mt || p == "*/*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(p, "/*"); ok && strings.HasPrefix(mt, prefix+"/") {
			return true
		}
	}
	return false
}

// matchesMagic reports whether the detected type of head is the declared
// type or one of its ancestors in the detection tree (everything descends
// from application/octet-stream, JSON descends from text/plain).
func matchesMagic(head []byte, declared string) bool {
	for m := mimetype.Detect(head); m != nil; m = m.Parent() {
		if m.Is(declared) {
			return true
		}
	}
	return false
}
