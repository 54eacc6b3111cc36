package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	ethav "github.com/KOREAN139/ethereum-address-validator"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	apperrors "github.com/chainsafe/bridge-warden/pkg/app/errors"
	"github.com/chainsafe/bridge-warden/pkg/bridge"
)

// EventSchema maps the logical event fields to ABI argument names.
type EventSchema struct {
	Token   string `json:"token"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
	Nonce   string `json:"nonce"`
}

// DefaultSchema returns the argument names emitted by the stock bridge contracts.
func DefaultSchema(kind bridge.EventKind) EventSchema {
	if kind == bridge.KindUnwrap {
		return EventSchema{Token: "underlying_token", Account: "to", Amount: "amount", Nonce: "nonce"}
	}
	return EventSchema{Token: "token", Account: "recipient", Amount: "amount", Nonce: "nonce"}
}

func (s EventSchema) withDefaults(kind bridge.EventKind) EventSchema {
	d := DefaultSchema(kind)
	if s.Token == "" {
		s.Token = d.Token
	}
	if s.Account == "" {
		s.Account = d.Account
	}
	if s.Amount == "" {
		s.Amount = d.Amount
	}
	if s.Nonce == "" {
		s.Nonce = d.Nonce
	}
	return s
}

// Contract is the validated metadata of one role's bridge contract.
type Contract struct {
	Role    bridge.ChainRole
	Address common.Address
	ABI     abi.ABI
	Schema  EventSchema
}

// Event returns the ABI event this contract emits for its role.
func (c *Contract) Event() abi.Event {
	return c.ABI.Events[string(c.Role.EventKind())]
}

// Contracts holds the metadata of both roles.
type Contracts map[bridge.ChainRole]*Contract

// For returns the contract bound to role.
func (c Contracts) For(role bridge.ChainRole) (*Contract, error) {
	ct, ok := c[role]
	if !ok {
		return nil, apperrors.ConfigError(nil, fmt.Sprintf("no contract configured for role %s", role))
	}
	return ct, nil
}

type rawContract struct {
	Address *string         `json:"address"`
	ABI     json.RawMessage `json:"abi"`
	Events  *EventSchema    `json:"events"`
}

// LoadContracts reads the contract info file.
func LoadContracts(path string) (Contracts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.ConfigError(err, "failed to read contract info")
	}
	return ParseContracts(data)
}

// ParseContracts decodes and validates contract metadata for both roles. Any
// problem is a ConfigError: the warden cannot run with partial metadata.
func ParseContracts(data []byte) (Contracts, error) {
	var raw map[string]rawContract
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, apperrors.ConfigError(err, "malformed contract info")
	}

	out := make(Contracts, 2)
	for _, role := range bridge.Roles() {
		rc, ok := raw[string(role)]
		if !ok {
			return nil, apperrors.ConfigError(nil, fmt.Sprintf("contract info: missing role %q", role))
		}
		ct, err := parseContract(role, rc)
		if err != nil {
			return nil, err
		}
		out[role] = ct
	}

	// each ABI must expose the method the opposite role's events are relayed to
	for _, role := range bridge.Roles() {
		target := out[role.Opposite()]
		if err := checkRelayMethod(target, role.EventKind().TargetMethod()); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func parseContract(role bridge.ChainRole, rc rawContract) (*Contract, error) {
	if rc.Address == nil || *rc.Address == "" {
		return nil, apperrors.ConfigError(nil, fmt.Sprintf("contract info %s: missing address", role))
	}
	if !common.IsHexAddress(*rc.Address) {
		return nil, apperrors.ConfigError(nil, fmt.Sprintf("contract info %s: invalid address %q", role, *rc.Address))
	}
	if err := ethav.Validate(*rc.Address); err != nil {
		return nil, apperrors.ConfigError(err, fmt.Sprintf("contract info %s: invalid address", role))
	}
	if len(bytes.TrimSpace(rc.ABI)) == 0 || bytes.Equal(bytes.TrimSpace(rc.ABI), []byte("null")) {
		return nil, apperrors.ConfigError(nil, fmt.Sprintf("contract info %s: missing abi", role))
	}

	abiJSON := []byte(rc.ABI)
	// some deployments store the ABI as a JSON encoded string
	var asString string
	if err := json.Unmarshal(rc.ABI, &asString); err == nil {
		abiJSON = []byte(asString)
	}
	parsed, err := abi.JSON(bytes.NewReader(abiJSON))
	if err != nil {
		return nil, apperrors.ConfigError(err, fmt.Sprintf("contract info %s: malformed abi", role))
	}

	ct := &Contract{
		Role:    role,
		Address: common.HexToAddress(*rc.Address),
		ABI:     parsed,
	}
	var schema EventSchema
	if rc.Events != nil {
		schema = *rc.Events
	}
	ct.Schema = schema.withDefaults(role.EventKind())

	if err := checkSchema(ct); err != nil {
		return nil, err
	}
	return ct, nil
}

func checkSchema(ct *Contract) error {
	kind := ct.Role.EventKind()
	ev, ok := ct.ABI.Events[string(kind)]
	if !ok {
		return apperrors.ConfigError(nil, fmt.Sprintf("contract info %s: abi has no %s event", ct.Role, kind))
	}

	want := []struct {
		field, name string
		ty          byte
	}{
		{"token", ct.Schema.Token, abi.AddressTy},
		{"account", ct.Schema.Account, abi.AddressTy},
		{"amount", ct.Schema.Amount, abi.UintTy},
		{"nonce", ct.Schema.Nonce, abi.UintTy},
	}
	for _, w := range want {
		arg, found := findArg(ev.Inputs, w.name)
		if !found {
			return apperrors.ConfigError(nil, fmt.Sprintf("contract info %s: %s event has no argument %q for %s",
				ct.Role, kind, w.name, w.field))
		}
		if arg.Type.T != w.ty {
			return apperrors.ConfigError(nil, fmt.Sprintf("contract info %s: %s.%s has type %s",
				ct.Role, kind, w.name, arg.Type.String()))
		}
	}
	return nil
}

func checkRelayMethod(ct *Contract, method string) error {
	m, ok := ct.ABI.Methods[method]
	if !ok {
		return apperrors.ConfigError(nil, fmt.Sprintf("contract info %s: abi has no %s method", ct.Role, method))
	}
	types := []byte{abi.AddressTy, abi.AddressTy, abi.UintTy, abi.UintTy}
	if len(m.Inputs) != len(types) {
		return apperrors.ConfigError(nil, fmt.Sprintf("contract info %s: %s takes %d arguments, want (token, account, amount, nonce)",
			ct.Role, method, len(m.Inputs)))
	}
	for i, ty := range types {
		if m.Inputs[i].Type.T != ty {
			return apperrors.ConfigError(nil, fmt.Sprintf("contract info %s: %s argument %d has type %s",
				ct.Role, method, i, m.Inputs[i].Type.String()))
		}
	}
	return nil
}

func findArg(args abi.Arguments, name string) (abi.Argument, bool) {
	for _, a := range args {
		if a.Name == name {
			return a, true
		}
	}
	return abi.Argument{}, false
}
