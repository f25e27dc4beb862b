package core

import "errors"

var (
	// ErrNodeNotFound is returned when a node reference does not resolve
	ErrNodeNotFound = errors.New("node not found")
	// ErrStoreNotFound is returned when a store reference does not resolve
	ErrStoreNotFound = errors.New("store not found")
	// ErrStoreExists is returned when creating a store that already exists
	ErrStoreExists = errors.New("store already exists")
	// ErrAssocNotFound is returned when removing an unknown association
	ErrAssocNotFound = errors.New("association not found")
	// ErrAssocExists is returned for duplicate child associations
	ErrAssocExists = errors.New("association already exists")
	// ErrCyclicChild is returned when an association would create a cycle
	ErrCyclicChild = errors.New("cyclic child association")
	// ErrPrimaryAssoc is returned when removing a primary association directly
	ErrPrimaryAssoc = errors.New("primary association cannot be removed")
	// ErrStoreRoot is returned when deleting the root node of a store
	ErrStoreRoot = errors.New("store root cannot be deleted")
	// ErrInvalidNodeRef is returned for malformed node references
	ErrInvalidNodeRef = errors.New("invalid node reference")
	// ErrInvalidStoreRef is returned for malformed store references
	ErrInvalidStoreRef = errors.New("invalid store reference")
	// ErrInvalidQName is returned for malformed qualified names
	ErrInvalidQName = errors.New("invalid qualified name")
)
