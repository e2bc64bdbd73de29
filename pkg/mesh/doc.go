// Package mesh ties the subnet store, the network state and the network
// pipeline of one node together. A Node owns all three, persists them
// through a Storage implementation and exposes the provisioning lifecycle
// and the entry point for authenticated beacon evidence.
//
// Basic usage:
//
//	node, err := mesh.NewNode(mesh.NodeConfig{
//	    Storage: mesh.NewMemoryStorage(),
//	    Bearers: []bearer.Bearer{udp},
//	})
//	if err != nil {
//	    return err
//	}
//	if err := node.Provision(0, netKey, 0, ivIndex, 0x0001); err != nil {
//	    return err
//	}
//	if err := node.Start(); err != nil {
//	    return err
//	}
//	defer node.Stop()
package mesh
