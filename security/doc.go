// Package security implements the Bluetooth Mesh cryptographic toolbox:
// AES-CMAC and the s1/k1/k2/k3/k4 derivations built on it, AES-CCM with the
// mesh nonce formats, P-256 ECDH for provisioning and the virtual address
// hash. All byte strings are big-endian, as on the mesh wire.
package security
