package warming

// PopularTerms is the ordered catalog of search terms warmed for every
// location. Order is priority: scheduled runs truncate it to
// Config.MaxItemsPerLocation.
var PopularTerms = []string{
	"milk",
	"eggs",
	"bread",
	"butter",
	"chicken breast",
	"ground beef",
	"bananas",
	"apples",
	"cheese",
	"yogurt",
	"rice",
	"pasta",
	"potatoes",
	"onions",
	"tomatoes",
	"lettuce",
	"carrots",
	"orange juice",
	"coffee",
	"cereal",
	"bacon",
	"salmon",
	"shrimp",
	"avocado",
	"strawberries",
	"spinach",
	"broccoli",
	"garlic",
	"olive oil",
	"flour",
	"sugar",
	"peanut butter",
	"frozen pizza",
	"ice cream",
	"frozen vegetables",
	"black beans",
	"canned tomatoes",
	"chicken broth",
	"tortillas",
	"sour cream",
	"cream cheese",
	"heavy cream",
	"pork chops",
	"turkey",
	"lemons",
	"bell peppers",
	"cucumbers",
	"oatmeal",
	"honey",
	"water",
}

// EssentialTerms are warmed first, with a shorter delay, when a user picks a
// store. Every essential term is also in PopularTerms.
var EssentialTerms = []string{
	"milk",
	"eggs",
	"bread",
	"butter",
	"chicken breast",
	"ground beef",
	"bananas",
	"cheese",
	"rice",
	"pasta",
}
