package remotevolume

const (
	verbSnapshots = "SNAPSHOTS"
	verbReceive   = "RECEIVE"
	verbAcquire   = "ACQUIRE"

	endMarker   = "END"
	ackOK       = "OK"
	ownerPrefix = "OWNER "
)
