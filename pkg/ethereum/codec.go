package ethereum

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	apperrors "github.com/chainsafe/bridge-warden/pkg/app/errors"
	"github.com/chainsafe/bridge-warden/pkg/bridge"
	"github.com/chainsafe/bridge-warden/pkg/config"
)

// Codec decodes bridge logs and encodes relay calls with the configured ABIs.
type Codec struct {
	contracts config.Contracts
}

// NewCodec creates a codec over validated contract metadata.
func NewCodec(contracts config.Contracts) *Codec {
	return &Codec{contracts: contracts}
}

// Decoder returns the log decoder of one role.
func (c *Codec) Decoder(role bridge.ChainRole) (*EventDecoder, error) {
	ct, err := c.contracts.For(role)
	if err != nil {
		return nil, err
	}
	return NewEventDecoder(ct), nil
}

// PackRelay builds the call relaying ev to the opposite chain:
// wrap(token, account, amount, nonce) for deposits and
// withdraw(token, account, amount, nonce) for unwraps.
func (c *Codec) PackRelay(ev *bridge.Event) (common.Address, []byte, error) {
	target, err := c.contracts.For(ev.Role.Opposite())
	if err != nil {
		return common.Address{}, nil, err
	}
	method := ev.Kind.TargetMethod()
	if method == "" {
		return common.Address{}, nil, apperrors.DecodeError(nil, fmt.Sprintf("no relay method for event kind %q", ev.Kind))
	}
	data, err := target.ABI.Pack(method, ev.Token, ev.Account, ev.Amount, new(big.Int).SetUint64(ev.Nonce))
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("pack %s: %w", method, err)
	}
	return target.Address, data, nil
}

// EventDecoder turns raw logs of one contract into bridge events.
type EventDecoder struct {
	role    bridge.ChainRole
	kind    bridge.EventKind
	event   abi.Event
	indexed abi.Arguments
	schema  config.EventSchema
}

// NewEventDecoder creates a decoder for the contract's role event.
func NewEventDecoder(ct *config.Contract) *EventDecoder {
	ev := ct.Event()
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return &EventDecoder{
		role:    ct.Role,
		kind:    ct.Role.EventKind(),
		event:   ev,
		indexed: indexed,
		schema:  ct.Schema,
	}
}

// Decode converts lg into an Event. Any mismatch with the schema is a
// DecodeError; field names are never guessed.
func (d *EventDecoder) Decode(lg types.Log) (*bridge.Event, error) {
	if lg.Removed {
		return nil, apperrors.DecodeError(nil, "log removed by chain reorganisation")
	}
	if len(lg.Topics) == 0 || lg.Topics[0] != d.event.ID {
		return nil, apperrors.DecodeError(nil, fmt.Sprintf("log is not a %s event", d.kind))
	}
	if len(lg.Topics)-1 != len(d.indexed) {
		return nil, apperrors.DecodeError(nil, fmt.Sprintf("%s log has %d indexed topics, want %d",
			d.kind, len(lg.Topics)-1, len(d.indexed)))
	}

	values := make(map[string]any, len(d.event.Inputs))
	if err := d.event.Inputs.UnpackIntoMap(values, lg.Data); err != nil {
		return nil, apperrors.DecodeError(err, fmt.Sprintf("unpack %s data", d.kind))
	}
	if len(d.indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(values, d.indexed, lg.Topics[1:]); err != nil {
			return nil, apperrors.DecodeError(err, fmt.Sprintf("unpack %s topics", d.kind))
		}
	}

	token, err := addressField(values, d.schema.Token)
	if err != nil {
		return nil, err
	}
	account, err := addressField(values, d.schema.Account)
	if err != nil {
		return nil, err
	}
	amount, err := uintField(values, d.schema.Amount)
	if err != nil {
		return nil, err
	}
	nonce, err := uintField(values, d.schema.Nonce)
	if err != nil {
		return nil, err
	}
	if !nonce.IsUint64() {
		return nil, apperrors.DecodeError(nil, fmt.Sprintf("nonce %s overflows uint64", nonce))
	}

	return &bridge.Event{
		Role:        d.role,
		Kind:        d.kind,
		Token:       token,
		Account:     account,
		Amount:      amount,
		Nonce:       nonce.Uint64(),
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
	}, nil
}

func addressField(values map[string]any, name string) (common.Address, error) {
	v, ok := values[name]
	if !ok {
		return common.Address{}, apperrors.DecodeError(nil, fmt.Sprintf("missing field %q", name))
	}
	addr, ok := v.(common.Address)
	if !ok {
		return common.Address{}, apperrors.DecodeError(nil, fmt.Sprintf("field %q is %T, want address", name, v))
	}
	return addr, nil
}

func uintField(values map[string]any, name string) (*big.Int, error) {
	v, ok := values[name]
	if !ok {
		return nil, apperrors.DecodeError(nil, fmt.Sprintf("missing field %q", name))
	}
	n, ok := v.(*big.Int)
	if !ok || n == nil || n.Sign() < 0 {
		return nil, apperrors.DecodeError(nil, fmt.Sprintf("field %q is %T, want unsigned integer", name, v))
	}
	return n, nil
}
