package browser

// stealthScript runs before any page script in every context.
const stealthScript = `
(() => {
	Object.defineProperty(navigator, 'webdriver', { get: () => undefined, configurable: true });
	delete Object.getPrototypeOf(navigator).webdriver;

	delete window.cdc_adoQpoasnfa76pfcZLmcfl_Array;
	delete window.cdc_adoQpoasnfa76pfcZLmcfl_Promise;
	delete window.cdc_adoQpoasnfa76pfcZLmcfl_Symbol;

	Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
	Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });

	if (!window.chrome) {
		window.chrome = { runtime: {} };
	}

	const originalQuery = window.navigator.permissions && window.navigator.permissions.query;
	if (originalQuery) {
		window.navigator.permissions.query = (parameters) => (
			parameters.name === 'notifications'
				? Promise.resolve({ state: Notification.permission })
				: originalQuery(parameters)
		);
	}
})();
`
