package dataset

// Direction tells which end of a question's scale is "better".
type Direction int

const (
	LowerIsBetter Direction = iota
	HigherIsBetter
)

var questionsBestIsMin = []string{
	"Percent of adults aged 18 years and older who have an overweight classification",
	"Percent of adults aged 18 years and older who have obesity",
	"Percent of adults who engage in no leisure-time physical activity",
	"Percent of adults who report consuming fruit less than one time daily",
	"Percent of adults who report consuming vegetables less than one time daily",
}

var questionsBestIsMax = []string{
	"Percent of adults who achieve at least 150 minutes a week of moderate-intensity aerobic physical activity or 75 minutes a week of vigorous-intensity aerobic activity (or an equivalent combination)",
	"Percent of adults who achieve at least 150 minutes a week of moderate-intensity aerobic physical activity or 75 minutes a week of vigorous-intensity aerobic physical activity and engage in muscle-strengthening activities on 2 or more days a week",
	"Percent of adults who achieve at least 300 minutes a week of moderate-intensity aerobic physical activity or 150 minutes a week of vigorous-intensity aerobic activity (or an equivalent combination)",
	"Percent of adults who engage in muscle-strengthening activities on 2 or more days a week",
}

var directions = func() map[string]Direction {
	m := make(map[string]Direction, len(questionsBestIsMin)+len(questionsBestIsMax))
	for _, q := range questionsBestIsMin {
		m[q] = LowerIsBetter
	}
	for _, q := range questionsBestIsMax {
		m[q] = HigherIsBetter
	}
	return m
}()

// DirectionOf returns the ranking direction of question. Questions not in
// either list rank lower-is-better.
func DirectionOf(question string) Direction {
	return directions[question]
}
