package types

// Well-known program addresses a host embedding the engine deals with.
var (
	// SystemProgramAddr owns freshly created accounts.
	SystemProgramAddr = MustPubkeyFromBase58("11111111111111111111111111111111")

	// BPFLoaderAddr is the original bytecode loader.
	BPFLoaderAddr = MustPubkeyFromBase58("BPFLoader1111111111111111111111111111111111")

	// BPFLoader2Addr is the second bytecode loader.
	BPFLoader2Addr = MustPubkeyFromBase58("BPFLoader2111111111111111111111111111111111")

	// BPFLoaderUpgradeableAddr is the upgradeable bytecode loader.
	BPFLoaderUpgradeableAddr = MustPubkeyFromBase58("BPFLoaderUpgradeab1e11111111111111111111111")

	// LoaderV4Addr is the v4 bytecode loader.
	LoaderV4Addr = MustPubkeyFromBase58("LoaderV411111111111111111111111111111111111")

	// NativeLoaderAddr owns the native programs themselves.
	NativeLoaderAddr = MustPubkeyFromBase58("NativeLoader1111111111111111111111111111111")
)

// IsLoader reports whether the pubkey is one of the bytecode loaders.
// Accounts owned by a loader hold executable images rather than user data.
func IsLoader(p Pubkey) bool {
	switch p {
	case BPFLoaderAddr,
		BPFLoader2Addr,
		BPFLoaderUpgradeableAddr,
		LoaderV4Addr,
		NativeLoaderAddr:
		return true
	default:
		return false
	}
}
