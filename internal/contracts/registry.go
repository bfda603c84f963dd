package contracts

import (
	"bytes"
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Well-known contract names used by the session consumers.
const (
	TreeFactory = "TreeFactory"
	Planter     = "Planter"
	PlanterFund = "PlanterFund"
	Paymaster   = "Paymaster"
)

var ErrUnknownContract = errors.New("unknown contract")

// Spec is the configured location of a contract and its ABI artifact.
type Spec struct {
	Address string `yaml:"Address" json:"address" mapstructure:"Address"`
	ABIPath string `yaml:"ABIPath" json:"abiPath" mapstructure:"ABIPath"`
}

// Definition is a parsed contract ready to be bound to a handle.
type Definition struct {
	Name    string
	Address common.Address
	ABI     abi.ABI
}

// Registry holds the named contracts known to the client.
type Registry struct {
	defs map[string]Definition
}

// NewRegistry parses every configured contract. Addresses must be valid hex and every
// ABI artifact must parse.
func NewRegistry(specs map[string]Spec) (*Registry, error) {
	r := &Registry{defs: make(map[string]Definition, len(specs))}
	for name, s := range specs {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, errors.New("contracts: empty contract name")
		}

		addr, err := ParseAddress(s.Address)
		if err != nil {
			return nil, errors.Wrapf(err, "contract %q", name)
		}

		raw, err := os.ReadFile(s.ABIPath)
		if err != nil {
			return nil, errors.Wrapf(err, "contract %q: read abi", name)
		}
		parsed, err := ParseABI(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "contract %q", name)
		}

		r.defs[strings.ToLower(name)] = Definition{Name: name, Address: addr, ABI: parsed}
	}
	return r, nil
}

// Add registers an already parsed definition, replacing any with the same name.
func (r *Registry) Add(def Definition) {
	if r.defs == nil {
		r.defs = map[string]Definition{}
	}
	r.defs[strings.ToLower(def.Name)] = def
}

// Lookup is case-insensitive.
func (r *Registry) Lookup(name string) (Definition, error) {
	def, ok := r.defs[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Definition{}, errors.Wrapf(ErrUnknownContract, "%q", name)
	}
	return def, nil
}

// Names returns the configured contract names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d.Name)
	}
	sort.Strings(out)
	return out
}

// ParseABI accepts either a build artifact ({"abi": [...]}) or a bare ABI array.
func ParseABI(raw []byte) (abi.ABI, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return abi.ABI{}, errors.New("abi is empty")
	}

	if trimmed[0] == '{' {
		var artifact struct {
			ABI json.RawMessage `json:"abi"`
		}
		if err := json.Unmarshal(trimmed, &artifact); err != nil {
			return abi.ABI{}, errors.Wrap(err, "decode abi artifact")
		}
		if len(artifact.ABI) == 0 {
			return abi.ABI{}, errors.New("abi artifact has no \"abi\" field")
		}
		trimmed = artifact.ABI
	}

	parsed, err := abi.JSON(bytes.NewReader(trimmed))
	if err != nil {
		return abi.ABI{}, errors.Wrap(err, "parse abi")
	}
	return parsed, nil
}

// ParseAddress normalizes a hex address, adding the 0x prefix when missing.
func ParseAddress(raw string) (common.Address, error) {
	a := strings.TrimSpace(raw)
	if a == "" {
		return common.Address{}, errors.New("address is empty")
	}
	if !strings.HasPrefix(a, "0x") && !strings.HasPrefix(a, "0X") {
		a = "0x" + a
	}
	if !common.IsHexAddress(a) {
		return common.Address{}, errors.Newf("invalid address %q", raw)
	}
	return common.HexToAddress(a), nil
}
