package config

import (
	"fmt"
	"path/filepath"
	"strconv"
)

// MarkerName is the per-order results file; its presence marks the order as tuned.
const MarkerName = "decode_val_optimization.results"

// Layout maps a page and model order to the files the decoder and scorer use.
//
//	<lm_root>/<page>/<order>/LM/{new.mdl,HCLG.fst,words.txt}
//	<work_prefix>_<page>/results/val_matrix.ark
//	<work_prefix>_<page>/decode/<order>/decode_val_optimization.results
//	<text_dir>/transcriptions_val_char_<page>.txt
type Layout struct {
	LMRoot     string
	WorkPrefix string
	UtilsDir   string
	TextDir    string
	TmpDir     string
}

func (l Layout) WorkDir(page int) string {
	return fmt.Sprintf("%s_%d", l.WorkPrefix, page)
}

func (l Layout) LMDir(page, order int) string {
	return filepath.Join(l.LMRoot, strconv.Itoa(page), strconv.Itoa(order), "LM")
}

func (l Layout) Model(page, order int) string {
	return filepath.Join(l.LMDir(page, order), "new.mdl")
}

func (l Layout) Graph(page, order int) string {
	return filepath.Join(l.LMDir(page, order), "HCLG.fst")
}

func (l Layout) Words(page, order int) string {
	return filepath.Join(l.LMDir(page, order), "words.txt")
}

// Features is the log-likelihood matrix archive fed to the decoder.
func (l Layout) Features(page int) string {
	return filepath.Join(l.WorkDir(page), "results", "val_matrix.ark")
}

// Reference is the character-level validation transcription.
func (l Layout) Reference(page int) string {
	return filepath.Join(l.TextDir, fmt.Sprintf("transcriptions_val_char_%d.txt", page))
}

func (l Layout) DecodeDir(page, order int) string {
	return filepath.Join(l.WorkDir(page), "decode", strconv.Itoa(order))
}

func (l Layout) MarkerFile(page, order int) string {
	return filepath.Join(l.DecodeDir(page, order), MarkerName)
}

// JournalFile is the default trial journal location for a page.
func (l Layout) JournalFile(page int) string {
	return filepath.Join(l.WorkDir(page), "decode", "trials.db")
}

// HypFile is the per-trial hypothesis text archive.
func (l Layout) HypFile(page, order int, asf, beam float64) string {
	return filepath.Join(l.TmpDir, trialStem(page, order, asf, beam)+".hyp")
}

// AliFile is the per-trial alignment archive.
func (l Layout) AliFile(page, order int, asf, beam float64) string {
	return filepath.Join(l.TmpDir, trialStem(page, order, asf, beam)+".ali")
}

func trialStem(page, order int, asf, beam float64) string {
	return fmt.Sprintf("decode_%d_%s_%s_%d", order, FormatFloat(asf), FormatFloat(beam), page)
}

// FormatFloat renders a hyperparameter the way it appears on decoder command
// lines and in file names: shortest round-trip representation.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
