package hwkey

// Command opcodes understood by the device. Each command is the first byte of
// an outbound payload; argument bytes specific to the command may follow.
// The engine treats payloads as opaque — these constants exist for callers.
const (
	CommandWake byte = 1
	CommandInfo byte = 2

	CommandSetup               byte = 10
	CommandRestoreFromSeed     byte = 11
	CommandRestoreFromMnemonic byte = 12
	CommandErase               byte = 13

	CommandExportOwnerKey           byte = 18
	CommandExportOwnerKeyPrivate    byte = 19
	CommandExportAppKey             byte = 20
	CommandExportAppKeyPrivate      byte = 21
	CommandExportOwnerAppKeyPrivate byte = 22
	CommandExportPublicIdentities   byte = 23

	CommandStartEncrypt byte = 30
	CommandStartDecrypt byte = 31

	CommandSignData     byte = 40
	CommandSignIdentity byte = 41

	CommandCancel byte = 100
)
