package uniques

import (
	"errors"
	"fmt"
	"math/big"

	"communityloans/crypto"
)

var (
	ErrCollectionExists  = errors.New("uniques: collection already exists")
	ErrUnknownCollection = errors.New("uniques: unknown collection")
	ErrCollectionFrozen  = errors.New("uniques: collection frozen")
	ErrCollectionInUse   = errors.New("uniques: collection still holds items")
	ErrItemExists        = errors.New("uniques: item already minted")
	ErrUnknownItem       = errors.New("uniques: unknown item")
	errNilState          = errors.New("uniques: state not configured")
)

type kvState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

// Reserver holds the collection deposit on the owner for the lifetime of the
// collection.
type Reserver interface {
	Reserve(account crypto.Address, amount *big.Int) error
	Unreserve(account crypto.Address, amount *big.Int) (*big.Int, error)
}

// Collection groups items under a single owner and admin.
type Collection struct {
	Owner   crypto.Address
	Admin   crypto.Address
	Deposit *big.Int
	Frozen  bool
	Items   uint32
}

// Item is a single non-fungible token.
type Item struct {
	Owner crypto.Address
}

func collectionKey(id uint32) []byte {
	return []byte(fmt.Sprintf("uniques/collection/%d", id))
}

func itemKey(collection, item uint32) []byte {
	return []byte(fmt.Sprintf("uniques/item/%d/%d", collection, item))
}

// Registry stores collections and items in state.
type Registry struct {
	state    kvState
	reserver Reserver
}

// NewRegistry binds a registry to state. A nil reserver skips deposits.
func NewRegistry(state kvState, reserver Reserver) *Registry {
	return &Registry{state: state, reserver: reserver}
}

// Collection loads a collection.
func (r *Registry) Collection(id uint32) (*Collection, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	var c Collection
	ok, err := r.state.KVGet(collectionKey(id), &c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCollection, id)
	}
	if c.Deposit == nil {
		c.Deposit = big.NewInt(0)
	}
	return &c, nil
}

// Item loads an item.
func (r *Registry) Item(collection, item uint32) (*Item, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	var it Item
	ok, err := r.state.KVGet(itemKey(collection, item), &it)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d/%d", ErrUnknownItem, collection, item)
	}
	return &it, nil
}

// CreateCollection registers a new collection and reserves the deposit on the
// owner.
func (r *Registry) CreateCollection(id uint32, owner, admin crypto.Address, deposit *big.Int, frozen bool) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	ok, err := r.state.KVGet(collectionKey(id), nil)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %d", ErrCollectionExists, id)
	}
	held := big.NewInt(0)
	if deposit != nil && deposit.Sign() > 0 {
		held.Set(deposit)
	}
	if r.reserver != nil && held.Sign() > 0 {
		if err := r.reserver.Reserve(owner, held); err != nil {
			return fmt.Errorf("uniques: reserve collection deposit: %w", err)
		}
	}
	return r.state.KVPut(collectionKey(id), &Collection{
		Owner:   owner,
		Admin:   admin,
		Deposit: held,
		Frozen:  frozen,
	})
}

// DestroyCollection removes an empty collection and releases its deposit.
func (r *Registry) DestroyCollection(id uint32) error {
	c, err := r.Collection(id)
	if err != nil {
		return err
	}
	if c.Items > 0 {
		return fmt.Errorf("%w: %d items in %d", ErrCollectionInUse, c.Items, id)
	}
	if r.reserver != nil && c.Deposit.Sign() > 0 {
		if _, err := r.reserver.Unreserve(c.Owner, c.Deposit); err != nil {
			return fmt.Errorf("uniques: release collection deposit: %w", err)
		}
	}
	return r.state.KVDelete(collectionKey(id))
}

// Mint issues item in collection to owner.
func (r *Registry) Mint(collection, item uint32, owner crypto.Address) error {
	c, err := r.Collection(collection)
	if err != nil {
		return err
	}
	if c.Frozen {
		return fmt.Errorf("%w: %d", ErrCollectionFrozen, collection)
	}
	ok, err := r.state.KVGet(itemKey(collection, item), nil)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %d/%d", ErrItemExists, collection, item)
	}
	if err := r.state.KVPut(itemKey(collection, item), &Item{Owner: owner}); err != nil {
		return err
	}
	c.Items++
	return r.state.KVPut(collectionKey(collection), c)
}

// Burn destroys item. The collection stays in place.
func (r *Registry) Burn(collection, item uint32) error {
	c, err := r.Collection(collection)
	if err != nil {
		return err
	}
	if _, err := r.Item(collection, item); err != nil {
		return err
	}
	if err := r.state.KVDelete(itemKey(collection, item)); err != nil {
		return err
	}
	if c.Items > 0 {
		c.Items--
	}
	return r.state.KVPut(collectionKey(collection), c)
}
