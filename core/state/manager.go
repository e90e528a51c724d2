package state

import (
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"sort"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"jobledger/storage"
)

// ErrStorageCorrupt marks a stored record that can no longer be decoded. It is
// fatal: callers surface it unchanged instead of retrying or papering over it.
var ErrStorageCorrupt = errors.New("state: corrupt record")

// Manager provides typed read and write access to marketplace state stored in
// the underlying key-value database. Keys are keccak256-hashed and values are
// RLP-encoded.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

type TokenMetadata struct {
	Symbol   string
	Name     string
	Decimals uint8
}

var (
	tokenPrefix   = []byte("token:")
	tokenListKey  = ethcrypto.Keccak256([]byte("token-list"))
	balancePrefix = []byte("balance:")
	vaultPrefix   = []byte("vault:")
)

func tokenMetadataKey(symbol string) []byte {
	buf := make([]byte, len(tokenPrefix)+len(symbol))
	copy(buf, tokenPrefix)
	copy(buf[len(tokenPrefix):], symbol)
	return ethcrypto.Keccak256(buf)
}

func balanceKey(addr []byte, symbol string) []byte {
	buf := make([]byte, len(balancePrefix)+len(symbol)+1+len(addr))
	copy(buf, balancePrefix)
	copy(buf[len(balancePrefix):], symbol)
	buf[len(balancePrefix)+len(symbol)] = ':'
	copy(buf[len(balancePrefix)+len(symbol)+1:], addr)
	return ethcrypto.Keccak256(buf)
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// get fetches a hashed key, mapping the backend miss sentinel to an empty
// result so callers can treat absence uniformly.
func (m *Manager) get(hashed []byte) ([]byte, error) {
	data, err := m.db.Get(hashed)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	return data, err
}

func (m *Manager) decode(data []byte, out interface{}) error {
	if err := rlp.DecodeBytes(data, out); err != nil {
		return fmt.Errorf("%w: %s", ErrStorageCorrupt, err)
	}
	return nil
}

func (m *Manager) loadTokenList() ([]string, error) {
	data, err := m.get(tokenListKey)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return []string{}, nil
	}
	var list []string
	if err := m.decode(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (m *Manager) writeTokenList(list []string) error {
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return m.db.Put(tokenListKey, encoded)
}

func (m *Manager) loadTokenMetadata(symbol string) (*TokenMetadata, error) {
	key := tokenMetadataKey(symbol)
	data, err := m.get(key)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	meta := new(TokenMetadata)
	if err := m.decode(data, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func (m *Manager) writeTokenMetadata(symbol string, meta *TokenMetadata) error {
	key := tokenMetadataKey(symbol)
	encoded, err := rlp.EncodeToBytes(meta)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

// RegisterToken stores the metadata for a payment token and records it in the
// token index.
func (m *Manager) RegisterToken(symbol, name string, decimals uint8) error {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if normalized == "" {
		return fmt.Errorf("token symbol must not be empty")
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("token %s: name must not be empty", normalized)
	}
	if existing, err := m.loadTokenMetadata(normalized); err != nil {
		return err
	} else if existing != nil {
		return fmt.Errorf("token %s already registered", normalized)
	}

	list, err := m.loadTokenList()
	if err != nil {
		return err
	}
	list = append(list, normalized)
	sort.Strings(list)
	if err := m.writeTokenList(list); err != nil {
		return err
	}

	meta := &TokenMetadata{
		Symbol:   normalized,
		Name:     name,
		Decimals: decimals,
	}
	return m.writeTokenMetadata(normalized, meta)
}

// Token retrieves metadata for a registered token.
func (m *Manager) Token(symbol string) (*TokenMetadata, error) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	return m.loadTokenMetadata(normalized)
}

// TokenList returns all registered token symbols in sorted order.
func (m *Manager) TokenList() ([]string, error) {
	return m.loadTokenList()
}

// TokenExists reports whether the provided token symbol is registered.
func (m *Manager) TokenExists(symbol string) bool {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if normalized == "" {
		return false
	}
	meta, err := m.loadTokenMetadata(normalized)
	if err != nil || meta == nil {
		return false
	}
	return true
}

// SetBalance stores an account balance for the provided token.
func (m *Manager) SetBalance(addr []byte, symbol string, amount *big.Int) error {
	if len(addr) == 0 {
		return fmt.Errorf("address must not be empty")
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("negative balance not allowed")
	}
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if normalized == "" {
		return fmt.Errorf("token symbol must not be empty")
	}
	if meta, err := m.loadTokenMetadata(normalized); err != nil {
		return err
	} else if meta == nil {
		return fmt.Errorf("token %s not registered", normalized)
	}

	key := balanceKey(addr, normalized)
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

// Balance retrieves a token balance for the provided account and token.
func (m *Manager) Balance(addr []byte, symbol string) (*big.Int, error) {
	key := balanceKey(addr, strings.ToUpper(strings.TrimSpace(symbol)))
	data, err := m.get(key)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	amount := new(big.Int)
	if err := m.decode(data, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// VaultAddress derives the custody account that holds escrowed funds for the
// provided token. The derivation is deterministic so every component observes
// the same vault.
func (m *Manager) VaultAddress(symbol string) ([20]byte, error) {
	var out [20]byte
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if normalized == "" {
		return out, fmt.Errorf("token symbol must not be empty")
	}
	buf := make([]byte, len(vaultPrefix)+len(normalized))
	copy(buf, vaultPrefix)
	copy(buf[len(vaultPrefix):], normalized)
	digest := ethcrypto.Keccak256(buf)
	copy(out[:], digest[12:])
	return out, nil
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is automatically hashed with keccak256 before reaching the
// underlying database.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.get(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := m.decode(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVHas reports whether a value exists under the supplied key.
func (m *Manager) KVHas(key []byte) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	return m.db.Has(kvKey(key))
}

// KVRemove deletes the value stored under the supplied key, if any.
func (m *Manager) KVRemove(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.db.Delete(kvKey(key))
}

// KVGetList retrieves an RLP-encoded slice stored under the provided key and
// decodes it into the supplied destination slice pointer. When no value is
// present the destination is initialised with an empty slice to avoid nil
// surprises for callers.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.get(kvKey(key))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return m.decode(data, out)
}
