package knowledge

import (
	"regexp"
	"strings"
)

var (
	funcBoundary    = regexp.MustCompile(`(?m)^(func|def|class|fn|public |private )\s`)
	markdownHeading = regexp.MustCompile(`(?m)^#+\s`)
	paragraphBreak  = regexp.MustCompile(`\n\s*\n`)
)

// ChunkContent splits content into chunks per dt's strategy. Every strategy
// falls back to a fixed-size split when its structural marker is absent, so
// a chunk list is never empty for non-empty content.
func ChunkContent(content string, dt DocType) []string {
	switch dt.Strategy {
	case ChunkSyntactic:
		return splitOnBoundary(content, funcBoundary, dt.ChunkSize)
	case ChunkPerSection:
		return splitOnBoundary(content, markdownHeading, dt.ChunkSize)
	case ChunkSemanticParagraph:
		return splitOnSeparator(content, paragraphBreak, dt.ChunkSize)
	default:
		return splitFixed(content, dt.ChunkSize, dt.Overlap)
	}
}

// splitOnBoundary groups content at boundary-matching lines, merging
// consecutive boundary-delimited sections until the next one would exceed
// size. Falls back to a fixed split when no boundary is found.
func splitOnBoundary(content string, boundary *regexp.Regexp, size int) []string {
	locs := boundary.FindAllStringIndex(content, -1)
	if len(locs) == 0 {
		return splitFixed(content, size, 0)
	}

	var sections []string
	start := 0
	for _, loc := range locs[1:] {
		sections = append(sections, content[start:loc[0]])
		start = loc[0]
	}
	sections = append(sections, content[start:])

	return mergeUpToSize(sections, size)
}

// splitOnSeparator groups content at separator matches (e.g. paragraph
// breaks), merging adjacent pieces until the next would exceed size.
func splitOnSeparator(content string, sep *regexp.Regexp, size int) []string {
	pieces := sep.Split(content, -1)
	return mergeUpToSize(pieces, size)
}

func mergeUpToSize(pieces []string, size int) []string {
	if size <= 0 {
		return []string{strings.Join(pieces, "\n\n")}
	}
	var chunks []string
	var cur strings.Builder
	for _, p := range pieces {
		if len(p) > size {
			if cur.Len() > 0 {
				chunks = append(chunks, cur.String())
				cur.Reset()
			}
			chunks = append(chunks, splitFixed(p, size, 0)...)
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(p) > size {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(p)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	return chunks
}

// splitFixed splits content into size-byte windows, each overlapping the
// previous by overlap bytes.
func splitFixed(content string, size, overlap int) []string {
	if size <= 0 || len(content) <= size {
		return []string{content}
	}
	var chunks []string
	step := size - overlap
	if step <= 0 {
		step = size
	}
	for start := 0; start < len(content); start += step {
		end := start + size
		if end > len(content) {
			end = len(content)
		}
		chunks = append(chunks, content[start:end])
		if end == len(content) {
			break
		}
	}
	return chunks
}
