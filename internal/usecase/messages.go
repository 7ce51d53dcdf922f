package usecase

const (
	msgWelcome         = "Welcome to the AI Face Swapper! Please choose an operation."
	msgSendTargetVideo = "Great! Please send me the target video you want to add a face to. (MP4 format only)"
	msgSendTargetPhoto = "Great! Please send me the base photo you want to add a face to. (PNG or JPG format only)"
	msgSendEnhance     = "Great! Please send me the photo you want to enhance. (PNG or JPG format only)"
	msgSendSourceFace  = "Got it! Now, please send me the source face image. (PNG format only)"
	msgProcessing      = "Thank you! I have everything I need. Your request is processing, this may take a few minutes..."
	msgSuccess         = "Success! Here is your file. Ready for another task?"
	msgError           = "An error occurred while processing your request. Please try again later."
	msgCancel          = "Operation cancelled. Start a new task whenever you like."
	msgInvalidFile     = "Invalid file type! Please send a file in the correct format."
	msgInvalidSource   = "Invalid file type for the source face. Please send a photo."
	msgPleaseStart     = "Please start a task first by choosing an operation."
	msgSendOrCancel    = "Please send a valid file, or cancel to restart."
	msgAlreadyRunning  = "Your previous request is still processing, please wait."
	msgLimitReached    = "You have reached today's free limit. Upgrade to premium for unlimited swaps."
	msgMembership      = "To use this bot, you must first join our community."
	msgMemberVerified  = "Thank you for joining! You can now use the bot."
	msgMemberMissing   = "It seems you haven't joined yet. Please join and try again."
)
