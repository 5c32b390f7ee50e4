package kaldi

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrNoWER is returned when scorer output has no %WER line.
var ErrNoWER = errors.New("no %WER line in scorer output")

// Score is an error-rate measurement of a hypothesis against a reference.
type Score struct {
	Rate          float64 `yaml:"rate"` // percent
	Errors        int     `yaml:"errors"`
	Total         int     `yaml:"total"`
	Insertions    int     `yaml:"insertions"`
	Deletions     int     `yaml:"deletions"`
	Substitutions int     `yaml:"substitutions"`
	Utterances    int     `yaml:"utterances,omitempty"`
}

// String renders the score in compute-wer's format.
func (s Score) String() string {
	return fmt.Sprintf("%%WER %.2f [ %d / %d, %d ins, %d del, %d sub ]",
		s.Rate, s.Errors, s.Total, s.Insertions, s.Deletions, s.Substitutions)
}

// "[ 123 / 4567, 10 ins, 20 del, 93 sub ]"
var werDetail = regexp.MustCompile(`\[\s*(\d+)\s*/\s*(\d+),\s*(\d+)\s+ins,\s*(\d+)\s+del,\s*(\d+)\s+sub\s*\]`)

// ParseWER extracts the score from compute-wer output. The rate is the
// second whitespace-separated field of the %WER line; the bracketed counts
// are filled in when present.
func ParseWER(out []byte) (Score, error) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "%WER") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return Score{}, fmt.Errorf("malformed line %q: %w", line, ErrNoWER)
		}
		rate, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return Score{}, fmt.Errorf("parse rate in %q: %w", line, err)
		}
		s := Score{Rate: rate}
		if m := werDetail.FindStringSubmatch(line); m != nil {
			s.Errors, _ = strconv.Atoi(m[1])
			s.Total, _ = strconv.Atoi(m[2])
			s.Insertions, _ = strconv.Atoi(m[3])
			s.Deletions, _ = strconv.Atoi(m[4])
			s.Substitutions, _ = strconv.Atoi(m[5])
		}
		return s, nil
	}
	if err := sc.Err(); err != nil {
		return Score{}, err
	}
	return Score{}, ErrNoWER
}

// WERArgs builds the compute-wer argument vector.
func WERArgs(mode, hypPath, refPath string) []string {
	return []string{
		"--print-args=false",
		"--mode=" + mode,
		"ark:" + hypPath,
		"ark:" + refPath,
	}
}

// ComputeWER runs compute-wer on a hypothesis/reference pair and parses its output.
func ComputeWER(ctx context.Context, r Runner, binary, mode, hypPath, refPath string) (Score, error) {
	out, err := r.Run(ctx, binary, WERArgs(mode, hypPath, refPath)...)
	if err != nil {
		return Score{}, fmt.Errorf("score %s: %w", hypPath, err)
	}
	s, err := ParseWER(out.Stdout)
	if err != nil {
		return Score{}, fmt.Errorf("score %s: %w", hypPath, err)
	}
	return s, nil
}
