package dataset

import "bytes"

// candidateDelimiters are tried in order; earlier entries win ties.
var candidateDelimiters = []rune{',', ';', '\t', '|'}

const sniffLines = 10

// Sniff picks the delimiter that splits the first lines of sample into the
// most consistent non-zero number of fields. It defaults to ','.
func Sniff(sample []byte) rune {
	lines := sampleLines(sample, sniffLines)
	if len(lines) == 0 {
		return ','
	}

	best := ','
	bestConsistent, bestFields := 0, 0
	for _, delim := range candidateDelimiters {
		first := countOutsideQuotes(lines[0], delim)
		if first == 0 {
			continue
		}
		consistent := 0
		for _, line := range lines {
			if countOutsideQuotes(line, delim) == first {
				consistent++
			}
		}
		if consistent > bestConsistent || (consistent == bestConsistent && first > bestFields) {
			best, bestConsistent, bestFields = delim, consistent, first
		}
	}
	return best
}

func sampleLines(sample []byte, max int) [][]byte {
	var lines [][]byte
	for _, line := range bytes.Split(sample, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines = append(lines, line)
		if len(lines) == max {
			break
		}
	}
	return lines
}

func countOutsideQuotes(line []byte, delim rune) int {
	count := 0
	inQuotes := false
	for _, r := range string(line) {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == delim && !inQuotes:
			count++
		}
	}
	return count
}
