package tune

import (
	"crypto/sha256"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ieee0824/latgen-tune/config"
)

type inputStamp struct {
	Path    string `yaml:"path"`
	Size    int64  `yaml:"size"`
	ModTime int64  `yaml:"mtime"`
}

type settingsKey struct {
	Decoder config.DecoderConfig `yaml:"decoder"`
	Scorer  config.ScorerConfig  `yaml:"scorer"`
	Utils   string               `yaml:"utils_dir"`
	Inputs  []inputStamp         `yaml:"inputs"`
}

// Settings fingerprints everything besides acoustic scale and beam that
// decides a trial's score for (page, order): the decoder and scorer
// configuration and the identity of the decoder inputs and reference. A
// rebuilt graph or a changed scoring mode yields a new fingerprint, so
// journaled trials from before are not reused.
func Settings(cfg config.Config, page, order int) string {
	l := cfg.Layout()
	key := settingsKey{Decoder: cfg.Decoder, Scorer: cfg.Scorer, Utils: cfg.UtilsDir}
	if key.Scorer.Backend == config.BackendNative {
		key.Scorer.Binary = ""
	}
	for _, path := range []string{
		l.Model(page, order),
		l.Graph(page, order),
		l.Words(page, order),
		l.Features(page),
		l.Reference(page),
	} {
		st := inputStamp{Path: path, Size: -1}
		if fi, err := os.Stat(path); err == nil {
			st.Size = fi.Size()
			st.ModTime = fi.ModTime().UnixNano()
		}
		key.Inputs = append(key.Inputs, st)
	}

	data, err := yaml.Marshal(key)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", sha256.Sum256(data))[:16]
}
