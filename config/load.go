package config

import (
	"fmt"
	"io/ioutil"

	"github.com/hashicorp/hcl"
)

func (cfg *config) loadFile(configFile string) error {
	b, err := ioutil.ReadFile(configFile)
	if err != nil {
		return err
	}
	return cfg.decode(b)
}

func (cfg *config) decode(b []byte) error {
	var vals map[string]interface{}
	err := hcl.Decode(&vals, string(b))
	if err != nil {
		return err
	}

	for name, val := range vals {
		param, ok := cfg.params[name]
		if !ok {
			return fmt.Errorf("config: %s is not a param", name)
		}
		if (param.Options & NoConfigFile) != 0 {
			return fmt.Errorf("config: %s may not be set in a config file", name)
		}

		err := param.Val.SetValue(val)
		if err != nil {
			return fmt.Errorf("config: param %s: %s", name, err)
		}
	}
	return nil
}
