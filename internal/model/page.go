package model

import "strconv"

// Page ids the engine treats specially.
const (
	PageStart          = "Page_00_Start"
	PageLogin          = "Page_Login"
	PagePrecautions    = "Page_01_Precautions"
	PageTaskCompletion = "Page_19_Task_Completion"
	PageQuestionnaire  = "Page_20_Questionnaire_Intro"
	PageEffortSubmit   = "Page_28_Effort_Submit"
)

// PageInfo is the backend-facing description of one page.
type PageInfo struct {
	ID         string `json:"id"`
	Number     string `json:"number"`
	Desc       string `json:"desc"`
	StepNumber int    `json:"step_number"`
	InProgress bool   `json:"in_progress"`
}

// Catalog maps page ids to their descriptions and holds the linear page
// sequence of the assessment.
type Catalog struct {
	pages    map[string]PageInfo
	byNumber map[string]string
	sequence []string
}

// NewCatalog builds a catalog. sequence is the advance order; pages outside
// it (login, modal pages) are still described.
func NewCatalog(pages []PageInfo, sequence []string) *Catalog {
	c := &Catalog{
		pages:    make(map[string]PageInfo, len(pages)),
		byNumber: make(map[string]string, len(pages)),
		sequence: append([]string(nil), sequence...),
	}
	for _, p := range pages {
		c.pages[p.ID] = p
	}
	for _, id := range sequence {
		if p, ok := c.pages[id]; ok {
			c.byNumber[p.Number] = id
		}
	}
	return c
}

// Lookup returns the info for id. Unknown ids are described by the id
// itself with step 0.
func (c *Catalog) Lookup(id string) (PageInfo, bool) {
	p, ok := c.pages[id]
	if !ok {
		return PageInfo{ID: id, Number: id, Desc: id}, false
	}
	return p, true
}

// Next returns the page after id in the sequence.
func (c *Catalog) Next(id string) (string, bool) {
	for i, p := range c.sequence {
		if p == id && i+1 < len(c.sequence) {
			return c.sequence[i+1], true
		}
	}
	return "", false
}

// PageIDFromNumber maps a persisted or backend-reported page number back to
// a page id, defaulting to the precautions page.
func (c *Catalog) PageIDFromNumber(number string) string {
	if number == "0" {
		return PagePrecautions
	}
	if id, ok := c.byNumber[number]; ok {
		return id
	}
	return PagePrecautions
}

// ResumeTarget picks the page to land on for a session resumed at number:
// everything at or beyond the last page lands on it, questionnaire numbers
// land on their page, the rest map directly.
func (c *Catalog) ResumeTarget(number string) string {
	n, err := strconv.Atoi(number)
	if err == nil && len(c.sequence) > 0 {
		last := c.sequence[len(c.sequence)-1]
		if lastInfo, ok := c.pages[last]; ok {
			if lastN, err := strconv.Atoi(lastInfo.Number); err == nil && n >= lastN {
				return last
			}
		}
	}
	return c.PageIDFromNumber(number)
}

// Precedes reports whether id comes before anchor in the assessment. Modal
// pages rank with the step that opens them; unknown ids precede nothing.
func (c *Catalog) Precedes(id, anchor string) bool {
	p, ok := c.pages[id]
	if !ok {
		return false
	}
	a, ok := c.pages[anchor]
	if !ok {
		return false
	}
	return p.StepNumber < a.StepNumber
}

// IsBootstrap reports whether id is a page whose exit never submits.
func IsBootstrap(id string) bool {
	return id == "" || id == PageStart || id == PageLogin
}

// DefaultCatalog is the assessment's page sequence.
func DefaultCatalog() *Catalog {
	pages := []PageInfo{
		{ID: PageLogin, Number: "Login", Desc: "Login", StepNumber: 0},
		{ID: PagePrecautions, Number: "1", Desc: "Precautions", StepNumber: 0},
		{ID: "Page_02_Introduction", Number: "2", Desc: "Question 1", StepNumber: 1, InProgress: true},
		{ID: "Page_03_Dialogue_Question", Number: "3", Desc: "Question 2", StepNumber: 2, InProgress: true},
		{ID: "Page_04_Material_Reading_Factor_Selection", Number: "4", Desc: "Question 3", StepNumber: 3, InProgress: true},
		{ID: "Modal_Page_05_Process", Number: "5", Desc: "Material: process", StepNumber: 3},
		{ID: "Modal_Page_06_Principle", Number: "6", Desc: "Material: principle", StepNumber: 3},
		{ID: "Modal_Page_07_Techniques", Number: "7", Desc: "Material: techniques", StepNumber: 3},
		{ID: "Modal_Page_08_Discussion", Number: "8", Desc: "Material: discussion", StepNumber: 3},
		{ID: "Modal_Page_09_Yeast_Dosage", Number: "9", Desc: "Material: dosage", StepNumber: 3},
		{ID: "Page_10_Hypothesis_Focus", Number: "10", Desc: "Question 4", StepNumber: 4, InProgress: true},
		{ID: "Page_11_Solution_Design_Measurement_Ideas", Number: "11", Desc: "Question 5", StepNumber: 5, InProgress: true},
		{ID: "Page_12_Solution_Evaluation_Measurement_Critique", Number: "12", Desc: "Question 6", StepNumber: 6, InProgress: true},
		{ID: "Page_13_Transition_To_Simulation", Number: "13", Desc: "Question 7", StepNumber: 7, InProgress: true},
		{ID: "Page_14_Simulation_Intro_Exploration", Number: "14", Desc: "Question 8", StepNumber: 8, InProgress: true},
		{ID: "Page_15_Simulation_Question_1", Number: "15", Desc: "Question 9", StepNumber: 9, InProgress: true},
		{ID: "Page_16_Simulation_Question_2", Number: "16", Desc: "Question 10", StepNumber: 10, InProgress: true},
		{ID: "Page_17_Simulation_Question_3", Number: "17", Desc: "Question 11", StepNumber: 11, InProgress: true},
		{ID: "Page_18_Solution_Selection", Number: "18", Desc: "Question 12", StepNumber: 12, InProgress: true},
		{ID: PageTaskCompletion, Number: "19", Desc: "Question 13", StepNumber: 13, InProgress: true},
		{ID: PageQuestionnaire, Number: "20", Desc: "Questionnaire introduction", StepNumber: 14, InProgress: true},
		{ID: "Page_21_Curiosity_Questions", Number: "21", Desc: "Curiosity questionnaire", StepNumber: 15, InProgress: true},
		{ID: "Page_22_Creativity_Questions", Number: "22", Desc: "Creativity questionnaire", StepNumber: 16, InProgress: true},
		{ID: "Page_23_Imagination_Questions", Number: "23", Desc: "Imagination questionnaire", StepNumber: 17, InProgress: true},
		{ID: "Page_24_Science_Efficacy_Questions", Number: "24", Desc: "Science self-efficacy questionnaire", StepNumber: 18, InProgress: true},
		{ID: "Page_25_Environment_Questions", Number: "25", Desc: "Creative environment questionnaire", StepNumber: 19, InProgress: true},
		{ID: "Page_26_School_Activities", Number: "26", Desc: "In-school science activities", StepNumber: 20, InProgress: true},
		{ID: "Page_27_Outschool_Activities", Number: "27", Desc: "Out-of-school science activities", StepNumber: 21, InProgress: true},
		{ID: PageEffortSubmit, Number: "28", Desc: "Effort rating and submission", StepNumber: 22, InProgress: true},
	}
	sequence := []string{
		PagePrecautions,
		"Page_02_Introduction",
		"Page_03_Dialogue_Question",
		"Page_04_Material_Reading_Factor_Selection",
		"Page_10_Hypothesis_Focus",
		"Page_11_Solution_Design_Measurement_Ideas",
		"Page_12_Solution_Evaluation_Measurement_Critique",
		"Page_13_Transition_To_Simulation",
		"Page_14_Simulation_Intro_Exploration",
		"Page_15_Simulation_Question_1",
		"Page_16_Simulation_Question_2",
		"Page_17_Simulation_Question_3",
		"Page_18_Solution_Selection",
		PageTaskCompletion,
		PageQuestionnaire,
		"Page_21_Curiosity_Questions",
		"Page_22_Creativity_Questions",
		"Page_23_Imagination_Questions",
		"Page_24_Science_Efficacy_Questions",
		"Page_25_Environment_Questions",
		"Page_26_School_Activities",
		"Page_27_Outschool_Activities",
		PageEffortSubmit,
	}
	return NewCatalog(pages, sequence)
}
