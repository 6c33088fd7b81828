/*
The storage package provides a key/value based interface for persisting siren
state. All services wishing to store data should use this interface.

The usage patterns for this storage layer are typical create/replace/delete/get/list
operations. Objects are serialized and stored as the value. As a result, updates
to a single field of an object incur the cost to retrieve the entire object and
store it again. Modifications are rare and objects are small, so this is
acceptable.

A BoltDB backed implementation is provided for production use and an in-memory
implementation for tests.
*/
package storage
