package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

// schema constrains the configuration document. Unknown fields are rejected
// by the closed struct; detailed value checks happen on the decoded Go struct.
const schema = `
#Config: close({
	region:    string & !=""
	state_dir?: string
	profiles: [...#Profile] & [_, ...]

	command?: close({
		program:    string & !=""
		base_args?: [...string]
		timeout?:   string
		grace?:     string
	})

	hunt?: close({
		budget?:        string
		grace?:         string
		artifact_wait?: string
		strict_exit?:   bool
	})

	breaker?: close({
		threshold?:   int & >=0
		cooldown?:    string
		max_records?: int & >=0
	})

	cache?: close({
		disabled?:        bool
		ttl?:             string
		high_contention?: bool
	})

	retry?: close({
		max_retries?: int & >=0
		base?:        string
	})

	scheduler?: close({
		disabled?:    bool
		window?:      int & >=0
		min_samples?: int & >=0
		max_records?: int & >=0
	})

	policy?: close({
		dir?: string
	})

	zonerank?: close({
		script?:   string
		timeout?:  string
		lookback?: string
	})

	verify?: close({
		enabled?:          bool
		user?:             string
		key_path?:         string
		port?:             int & >=0 & <=65535
		dial_timeout?:     string
		probe_command?:    string
		bootstrap_script?: string
		resolve_command?:  string
	})

	history?: close({
		path?: string
	})

	notify?: close({
		webhook_url?: string
		auth_header?: string
		timeout?:     string
	})

	telemetry?: {...}
})

#Profile: close({
	name:         string & !=""
	shape:        string & !=""
	ocpus?:       int & >=0
	memory_gb?:   int & >=0
	image_id:     string & !=""
	subnet_id:    string & !=""
	display_name: string & !=""
	zones:        [...string] & [_, ...]
	env?:         {[string]: string}
	timeout?:     string
})
`

// Parser loads and validates configuration files.
type Parser struct {
	ctx      *cue.Context
	validate *validator.Validate
}

// NewParser creates a parser with the embedded schema.
func NewParser() *Parser {
	return &Parser{
		ctx:      cuecontext.New(),
		validate: validator.New(),
	}
}

// Load reads the configuration from a CUE file or a directory of CUE files,
// checks it against the schema, decodes it, validates it, and applies
// defaults.
func (p *Parser) Load(path string) (*Config, error) {
	val, err := p.loadValue(path)
	if err != nil {
		return nil, err
	}

	schemaVal := p.ctx.CompileString(schema)
	if err := schemaVal.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	constrained := schemaVal.LookupPath(cue.ParsePath("#Config")).Unify(val)
	if err := constrained.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("config does not match schema: %s", cueErrorDetail(err))
	}

	data, err := constrained.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("export config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := p.validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := checkProfileNames(cfg.Profiles); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (p *Parser) loadValue(path string) (cue.Value, error) {
	info, err := os.Stat(path)
	if err != nil {
		return cue.Value{}, fmt.Errorf("stat config: %w", err)
	}

	if info.IsDir() {
		files, err := filepath.Glob(filepath.Join(path, "*.cue"))
		if err != nil {
			return cue.Value{}, fmt.Errorf("scan config dir: %w", err)
		}
		if len(files) == 0 {
			return cue.Value{}, fmt.Errorf("no CUE files in %s", path)
		}
		sort.Strings(files)

		var merged cue.Value
		for i, file := range files {
			val, err := p.loadValue(file)
			if err != nil {
				return cue.Value{}, err
			}
			if i == 0 {
				merged = val
			} else {
				merged = merged.Unify(val)
			}
		}
		if err := merged.Err(); err != nil {
			return cue.Value{}, fmt.Errorf("merge config files: %s", cueErrorDetail(err))
		}
		return merged, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, fmt.Errorf("read config: %w", err)
	}
	val := p.ctx.CompileString(string(content), cue.Filename(filepath.Base(path)))
	if err := val.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("parse config: %s", cueErrorDetail(err))
	}
	return val, nil
}

func checkProfileNames(profiles []ProfileConfig) error {
	seen := make(map[string]bool, len(profiles))
	names := make(map[string]bool, len(profiles))
	for _, p := range profiles {
		if seen[p.Name] {
			return fmt.Errorf("duplicate profile name %q", p.Name)
		}
		seen[p.Name] = true
		if names[p.DisplayName] {
			return fmt.Errorf("duplicate display name %q", p.DisplayName)
		}
		names[p.DisplayName] = true
	}
	return nil
}

func cueErrorDetail(err error) string {
	var sb []byte
	for i, e := range cueerrors.Errors(err) {
		if i > 0 {
			sb = append(sb, "; "...)
		}
		sb = append(sb, e.Error()...)
	}
	if len(sb) == 0 {
		return err.Error()
	}
	return string(sb)
}
