package model

// RoomID derives the conversation channel for a booking between two
// participants. The id is deterministic: both sides compute the same value
// regardless of who is guest and who is host.
func RoomID(bookingID, participantA, participantB string) string {
	if participantA > participantB {
		participantA, participantB = participantB, participantA
	}
	return bookingID + ":" + participantA + ":" + participantB
}

// SupportRoomID is the many-to-one support case: all operators share one
// room per booking, so the id is the booking alone.
func SupportRoomID(bookingID string) string {
	return bookingID
}
