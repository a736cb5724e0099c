package domain

import "fmt"

// Message builds the title and body shown for a channel reminder.
func Message(ch Channel, payload Payload) (string, string) {
	switch ch {
	case ChannelWater:
		serving := payload.ServingML
		if serving <= 0 {
			serving = 250
		}
		return "Time to hydrate", withNote(fmt.Sprintf("Drink %d ml of water.", serving), payload.Note)
	case ChannelMeal:
		label := payload.Label
		if label == "" {
			label = "your next meal"
		}
		return "Meal reminder", withNote(fmt.Sprintf("It's time for %s.", label), payload.Note)
	case ChannelWorkout:
		label := payload.Label
		if label == "" {
			label = "your workout"
		}
		return "Workout reminder", withNote(fmt.Sprintf("Get moving: %s is scheduled now.", label), payload.Note)
	}
	return "Reminder", payload.Note
}

// MilestoneMessage builds the notification for a stopwatch milestone.
func MilestoneMessage(seconds int64) (string, string) {
	if seconds%60 == 0 {
		minutes := seconds / 60
		unit := "minutes"
		if minutes == 1 {
			unit = "minute"
		}
		return "Cardio milestone", fmt.Sprintf("%d %s elapsed. Keep going!", minutes, unit)
	}
	return "Cardio milestone", fmt.Sprintf("%d seconds elapsed. Keep going!", seconds)
}

func withNote(body, note string) string {
	if note == "" {
		return body
	}
	return body + " " + note
}
