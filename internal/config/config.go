package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"stagegate/internal/domain"
)

// Config models stagegate.yml: the stage graph, gates, agent types and webhooks.
type Config struct {
	Campaign struct {
		ID      string `yaml:"id"`
		Initial string `yaml:"initial"`
	} `yaml:"campaign"`
	Stages   []domain.Stage        `yaml:"stages"`
	Gates    map[string]GateConfig `yaml:"gates"`
	Agents   []domain.AgentType    `yaml:"agents"`
	Webhooks []Webhook             `yaml:"webhooks,omitempty"`
}

type GateConfig struct {
	Label     string   `yaml:"label,omitempty"`
	Reviewers []string `yaml:"reviewers,omitempty"`
}

// Webhook receives audit entries as they are committed.
type Webhook struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

func (w Webhook) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with sg config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Campaign.ID == "" {
		return fmt.Errorf("config.campaign.id is required")
	}
	if len(c.Stages) == 0 {
		return fmt.Errorf("config.stages is required")
	}
	stages := map[string]domain.Stage{}
	for _, s := range c.Stages {
		if s.ID == "" {
			return fmt.Errorf("config.stages contains empty stage id")
		}
		if _, dup := stages[s.ID]; dup {
			return fmt.Errorf("stage %s declared twice", s.ID)
		}
		stages[s.ID] = s
	}
	if c.Campaign.Initial == "" {
		return fmt.Errorf("config.campaign.initial is required")
	}
	if _, ok := stages[c.Campaign.Initial]; !ok {
		return fmt.Errorf("initial stage %s not defined", c.Campaign.Initial)
	}
	terminal := 0
	for _, s := range c.Stages {
		if s.Terminal() {
			terminal++
		}
		for _, next := range s.Successors {
			if _, ok := stages[next]; !ok {
				return fmt.Errorf("stage %s has unknown successor %s", s.ID, next)
			}
		}
		seen := map[string]bool{}
		for _, k := range s.Kinds {
			if k.Kind == "" {
				return fmt.Errorf("stage %s has empty artifact kind", s.ID)
			}
			if seen[k.Kind] {
				return fmt.Errorf("stage %s declares kind %s twice", s.ID, k.Kind)
			}
			seen[k.Kind] = true
			if k.Gate != "" {
				if _, ok := c.Gates[k.Gate]; !ok {
					return fmt.Errorf("stage %s kind %s references unknown gate %s", s.ID, k.Kind, k.Gate)
				}
			}
		}
	}
	if terminal != 1 {
		return fmt.Errorf("stage graph must have exactly one terminal stage, found %d", terminal)
	}
	if cycle := findCycle(c.Stages); cycle != "" {
		return fmt.Errorf("stage graph has a cycle through %s", cycle)
	}
	for id := range c.Gates {
		if id == "" {
			return fmt.Errorf("config.gates contains empty gate id")
		}
	}
	agents := map[string]bool{}
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("config.agents contains empty agent id")
		}
		if agents[a.ID] {
			return fmt.Errorf("agent %s declared twice", a.ID)
		}
		agents[a.ID] = true
		if _, ok := c.Gates[a.ID]; ok {
			return fmt.Errorf("agent %s collides with a gate id", a.ID)
		}
		if len(a.Stages) == 0 {
			return fmt.Errorf("agent %s has no allowed stages", a.ID)
		}
		for _, sid := range a.Stages {
			if _, ok := stages[sid]; !ok {
				return fmt.Errorf("agent %s references unknown stage %s", a.ID, sid)
			}
		}
		if len(a.Produces) == 0 {
			return fmt.Errorf("agent %s produces no kinds", a.ID)
		}
		for _, kind := range append(append([]string{}, a.Produces...), a.Requires...) {
			if !c.kindDeclared(kind) {
				return fmt.Errorf("agent %s references undeclared kind %s", a.ID, kind)
			}
		}
	}
	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		if w.TimeoutSeconds < 0 {
			return fmt.Errorf("webhooks[%d].timeout_seconds must be positive", i)
		}
	}
	return nil
}

func (c *Config) kindDeclared(kind string) bool {
	for _, s := range c.Stages {
		if _, ok := s.Rule(kind); ok {
			return true
		}
	}
	return false
}

// findCycle returns a stage on a cycle, or "" when the graph is acyclic.
func findCycle(stages []domain.Stage) string {
	next := map[string][]string{}
	for _, s := range stages {
		next[s.ID] = s.Successors
	}
	const (
		white = iota
		grey
		black
	)
	color := map[string]int{}
	var visit func(id string) string
	visit = func(id string) string {
		color[id] = grey
		for _, n := range next[id] {
			switch color[n] {
			case grey:
				return n
			case white:
				if found := visit(n); found != "" {
					return found
				}
			}
		}
		color[id] = black
		return ""
	}
	for _, s := range stages {
		if color[s.ID] == white {
			if found := visit(s.ID); found != "" {
				return found
			}
		}
	}
	return ""
}

// Stage returns the stage definition for id.
func (c *Config) Stage(id string) (domain.Stage, bool) {
	for _, s := range c.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return domain.Stage{}, false
}

func (c *Config) Gate(id string) (domain.Gate, bool) {
	g, ok := c.Gates[id]
	if !ok {
		return domain.Gate{}, false
	}
	return domain.Gate{ID: id, Label: g.Label, Reviewers: g.Reviewers}, true
}

// GateIDs returns declared gates sorted by id.
func (c *Config) GateIDs() []string {
	ids := make([]string, 0, len(c.Gates))
	for id := range c.Gates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Config) Agent(id string) (domain.AgentType, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return domain.AgentType{}, false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stagegate.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(campaignID string) string {
	return fmt.Sprintf(defaultTemplate, campaignID)
}

// Default returns the default Config struct for a campaign.
func Default(campaignID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(campaignID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders the config back to YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `campaign:
  id: %s
  initial: PRE_EVT

stages:
  - id: PRE_EVT
    label: "Pre-introduction"
    successors: [INTRO_EVT]
    confirmation: bill_introduction_confirmed
    kinds:
      - {kind: signal_report, required: false}
      - {kind: stakeholder_map, required: true, gate: HR_PRE}
      - {kind: concept_memo, required: true, gate: HR_PRE}

  - id: INTRO_EVT
    label: "Introduced"
    successors: [COMM_EVT]
    confirmation: committee_referral_confirmed
    kinds:
      - {kind: signal_report, required: false}
      - {kind: opposition_brief, required: false}
      - {kind: framing_memo, required: true, gate: HR_LANG}
      - {kind: whitepaper, required: true, gate: HR_LANG}

  - id: COMM_EVT
    label: "In committee"
    successors: [FLOOR_EVT]
    confirmation: committee_vote_confirmed
    kinds:
      - {kind: media_brief, required: false}
      - {kind: opposition_brief, required: false}
      - {kind: legislative_language, required: true, gate: HR_LANG}
      - {kind: amendment_strategy, required: true, gate: HR_LANG}

  - id: FLOOR_EVT
    label: "Floor action"
    successors: [FINAL_EVT]
    confirmation: floor_vote_confirmed
    kinds:
      - {kind: media_brief, required: false}
      - {kind: messaging_plan, required: true, gate: HR_MSG}
      - {kind: outreach_plan, required: true, gate: HR_MSG}
      - {kind: coalition_plan, required: false, gate: HR_MSG}

  - id: FINAL_EVT
    label: "Final passage"
    successors: [IMPL_EVT]
    confirmation: enactment_confirmed
    kinds:
      - {kind: outreach_plan, required: false, gate: HR_MSG}
      - {kind: media_seeding_plan, required: true, gate: HR_MSG}
      - {kind: counter_pressure_plan, required: false}

  - id: IMPL_EVT
    label: "Implementation"
    kinds:
      - {kind: attribution_report, required: false, gate: HR_EXEC}
      - {kind: strategy_weights, required: false}

gates:
  HR_PRE:
    label: "Pre-introduction review"
  HR_LANG:
    label: "Legislative language review"
  HR_MSG:
    label: "Messaging review"
  HR_EXEC:
    label: "Executive review"

agents:
  - id: signal_scan
    description: "Scans for early legislative signals"
    stages: [PRE_EVT, INTRO_EVT]
    produces: [signal_report]
  - id: stakeholder_map
    description: "Maps stakeholders and their positions"
    stages: [PRE_EVT, INTRO_EVT]
    produces: [stakeholder_map]
  - id: concept_memo
    description: "Drafts the policy concept memo"
    stages: [PRE_EVT]
    produces: [concept_memo]
    requires: [stakeholder_map]
  - id: opposition_detect
    description: "Detects organized opposition"
    stages: [INTRO_EVT, COMM_EVT]
    produces: [opposition_brief]
  - id: framing
    description: "Frames the issue for the introduced bill"
    stages: [INTRO_EVT]
    produces: [framing_memo]
  - id: whitepaper
    description: "Drafts the supporting whitepaper"
    stages: [INTRO_EVT]
    produces: [whitepaper]
    requires: [framing_memo]
  - id: media_signal
    description: "Tracks media coverage"
    stages: [COMM_EVT, FLOOR_EVT]
    produces: [media_brief]
  - id: language
    description: "Drafts statutory language"
    stages: [COMM_EVT]
    produces: [legislative_language]
  - id: amendment_strategy
    description: "Plans amendment strategy"
    stages: [COMM_EVT]
    produces: [amendment_strategy]
    requires: [legislative_language]
  - id: messaging
    description: "Builds the floor messaging plan"
    stages: [FLOOR_EVT]
    produces: [messaging_plan]
  - id: outreach
    description: "Plans legislator outreach"
    stages: [FLOOR_EVT, FINAL_EVT]
    produces: [outreach_plan]
  - id: coalition_activation
    description: "Activates coalition partners"
    stages: [FLOOR_EVT]
    produces: [coalition_plan]
  - id: media_seeding
    description: "Seeds media ahead of final passage"
    stages: [FINAL_EVT]
    produces: [media_seeding_plan]
  - id: counter_pressure
    description: "Responds to late opposition pressure"
    stages: [FINAL_EVT]
    produces: [counter_pressure_plan]
  - id: causal_attribution
    description: "Attributes outcomes to campaign actions"
    stages: [IMPL_EVT]
    produces: [attribution_report]
  - id: strategy_reweighting
    description: "Reweights strategy from attribution results"
    stages: [IMPL_EVT]
    produces: [strategy_weights]
    requires: [attribution_report]
`
