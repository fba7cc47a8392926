// Package trust loads the per-provider auto-approval policy.
package trust

import (
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ProviderTrust is the policy entry of one tool provider.
type ProviderTrust struct {
	AutoApprove bool `yaml:"auto_approve"`
}

type File struct {
	Providers map[string]ProviderTrust `yaml:"providers"`
}

// Policy answers whether a provider's tool calls skip human approval.
// Providers missing from the policy always require approval.
type Policy struct {
	mu        sync.RWMutex
	providers map[string]ProviderTrust
}

func NewPolicy(providers map[string]ProviderTrust) *Policy {
	p := &Policy{}
	p.Replace(providers)
	return p
}

// Load reads a YAML policy file. An empty path yields a policy that trusts
// nobody.
func Load(path string) (*Policy, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return NewPolicy(nil), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read trust policy %s", path)
	}
	return Parse(b)
}

func Parse(b []byte) (*Policy, error) {
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrap(err, "parse trust policy")
	}
	return NewPolicy(f.Providers), nil
}

func (p *Policy) IsAutoApproved(providerID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.providers[providerID].AutoApprove
}

// Replace swaps the whole policy, e.g. after the file was edited.
func (p *Policy) Replace(providers map[string]ProviderTrust) {
	copied := make(map[string]ProviderTrust, len(providers))
	for id, t := range providers {
		copied[id] = t
	}
	p.mu.Lock()
	p.providers = copied
	p.mu.Unlock()
}
