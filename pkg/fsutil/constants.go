package fsutil

// File and directory permission constants.
// These follow standard Unix permission conventions. The output tree and the
// coordination files live on a volume shared by many workers, so files are
// group readable by default.
const (
	// Default file modes.
	FileModeDefault = 0o644 // -rw-r--r--: Default for regular files
	FileModeSecure  = 0o640 // -rw-r-----: For config files that may carry credentials

	// Directory modes.
	DirModeDefault = 0o755 // drwxr-xr-x: Default for directories
	DirModeSecure  = 0o750 // drwxr-x---: For config directories
)
