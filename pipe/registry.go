// Package pipe implements the server side of DCE/RPC over named pipes:
// bind negotiation, request reassembly and dispatch, response fragmentation
// and the fault latch.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/mike76-dev/smbrpc/auth"
	"github.com/mike76-dev/smbrpc/rpc"
)

var (
	// ErrRegistryFrozen is returned by Register after Freeze.
	ErrRegistryFrozen = errors.New("registry is frozen")

	// ErrDuplicateInterface is returned when an interface is registered twice for a pipe.
	ErrDuplicateInterface = errors.New("interface already registered")
)

// Call is a reassembled request handed to a Handler.
type Call struct {
	CallID     uint32
	ContextID  uint16
	OpNum      uint16
	ObjectUUID *uuid.UUID
	Input      []byte

	Identity auth.Identity
	Handles  *Handles
}

// Handler implements one operation of an interface. It returns the NDR
// encoded reply. Returning ErrBadHandle answers the call with a
// context-mismatch fault; any other error latches the connection.
type Handler func(ctx context.Context, call *Call) ([]byte, error)

// Command binds an opnum to its handler.
type Command struct {
	OpNum   uint16
	Name    string
	Handler Handler
}

// CommandTable describes an interface served on a pipe.
type CommandTable struct {
	PipeName       string
	ServerName     string
	AbstractSyntax rpc.SyntaxID
	TransferSyntax rpc.SyntaxID

	// RequireAuth rejects calls on anonymous connections with an access-denied fault.
	RequireAuth bool

	Commands []Command
}

// Lookup returns the command registered for opnum.
func (ct *CommandTable) Lookup(opnum uint16) (*Command, bool) {
	for i := range ct.Commands {
		if ct.Commands[i].OpNum == opnum {
			return &ct.Commands[i], true
		}
	}
	return nil, false
}

// Registry maps pipe names to the interfaces served on them. It is filled
// once at startup and read without locking after Freeze.
type Registry struct {
	tables map[string][]*CommandTable
	order  []string
	frozen atomic.Bool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tables: make(map[string][]*CommandTable)}
}

// NormalizePipeName strips any \PIPE\ prefix and folds case.
func NormalizePipeName(name string) string {
	name = strings.ReplaceAll(name, "/", `\`)
	name = strings.TrimLeft(name, `\`)
	if len(name) >= 5 && strings.EqualFold(name[:5], `PIPE\`) {
		name = name[5:]
	}
	return strings.ToLower(name)
}

// Register adds an interface. Several interfaces may share a pipe name.
func (r *Registry) Register(ct *CommandTable) error {
	if r.frozen.Load() {
		return ErrRegistryFrozen
	}

	name := NormalizePipeName(ct.PipeName)
	if name == "" {
		return fmt.Errorf("interface %s: empty pipe name", ct.AbstractSyntax)
	}

	for _, t := range r.tables[name] {
		if t.AbstractSyntax == ct.AbstractSyntax {
			return fmt.Errorf("%w: %s on %s", ErrDuplicateInterface, ct.AbstractSyntax, name)
		}
	}

	if ct.TransferSyntax == (rpc.SyntaxID{}) {
		ct.TransferSyntax = rpc.NDR32
	}
	if _, ok := r.tables[name]; !ok {
		r.order = append(r.order, name)
	}
	r.tables[name] = append(r.tables[name], ct)
	return nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.frozen.Store(true)
}

// Tables returns the interfaces served on pipe.
func (r *Registry) Tables(pipe string) []*CommandTable {
	return r.tables[NormalizePipeName(pipe)]
}

// Lookup returns the server name of the first interface registered for pipe.
func (r *Registry) Lookup(pipe string) (string, bool) {
	tables := r.Tables(pipe)
	if len(tables) == 0 {
		return "", false
	}
	return tables[0].ServerName, true
}

// Interfaces returns all registered interfaces in registration order.
func (r *Registry) Interfaces() []*CommandTable {
	var all []*CommandTable
	for _, name := range r.order {
		all = append(all, r.tables[name]...)
	}
	return all
}

// Pipes returns the registered pipe names.
func (r *Registry) Pipes() []string {
	return slices.Clone(r.order)
}
