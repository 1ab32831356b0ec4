package ssd

import (
	"io"
	"os"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// presetKey selects the preset a params file starts from.
const presetKey = "preset"

// LoadParams reads parameters from a YAML file.
//
// When the file sets "preset", the named preset is loaded first and the keys
// present in the file replace its values; list values are replaced whole,
// never merged element-wise. Without "preset" the file must describe every
// field. The result is validated.
//
// Arguments:
//   - path: the YAML file.
//
// Returns:
//   - The parameters.
//   - An error if the file cannot be read or decoded, names an unknown
//     preset, or describes invalid parameters.
//
// @example
//
//	# fine-tune ssd512 for a 5-class dataset
//	preset: ssd512
//	num_classes: 6
//	no_annotation_label: 6
//	loss:
//	  negative_ratio: 2
func LoadParams(path string) (Params, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return Params{}, errors.Wrapf(err, "reading params %s", path)
	}

	var p Params
	if name := v.GetString(presetKey); name != "" {
		base, err := NewParams(name)
		if err != nil {
			return Params{}, err
		}
		p = base
	}

	zeroLists := func(c *mapstructure.DecoderConfig) {
		c.ZeroFields = true
	}
	if err := v.Unmarshal(&p, zeroLists); err != nil {
		return Params{}, errors.Wrapf(err, "decoding params %s", path)
	}
	if err := p.Validate(); err != nil {
		return Params{}, errors.Wrapf(err, "params %s", path)
	}
	return p, nil
}

// WriteParams encodes p as YAML. The output is accepted by LoadParams.
func WriteParams(w io.Writer, p Params) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return errors.Wrap(err, "encoding params")
	}
	return enc.Close()
}

// SaveParams writes p to path as YAML.
func SaveParams(path string, p Params) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	if err := WriteParams(f, p); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
