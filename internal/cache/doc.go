/*
Package cache holds the inventory cache shared by the storage providers of
one process.

Backends that can list a whole directory or bucket prefix in one request
record what they saw (existence, modification time, size) in the Inventory.
Later Exists, Mtime and Size calls on objects below an inventoried parent are
answered from memory instead of issuing one request per object:

	inv := cache.NewInventory()
	provider, err := storage.NewProvider(backend, settings, storage.WithInventory(inv))
	...
	for _, o := range objects {
		if err := o.Inventory(ctx, inv); err != nil { // one listing per parent
			return err
		}
	}

Facts are never expired. The inventory lives as long as one command, which
is short compared to the time remote objects take to change.

Stats reports hit and miss counts of the lookups.
*/
package cache
